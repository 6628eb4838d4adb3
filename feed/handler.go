package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type SessionError int

const (
	ReadError  SessionError = 1
	WriteError SessionError = 2
	PingError  SessionError = 3
	BadRequest SessionError = 4
	ServerStop SessionError = 5
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// websocket max message size to read.
	readLimit = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Behind the reverse proxy the origin is rewritten; auth happens via
		// the managed auth cookie before upgrade.
		return true
	},
}

// Handler manages one active subscription connection. Every new websocket
// connection creates a new session.
type Handler struct {
	sync.Mutex

	feedApi *FeedApi
	hub     *Hub

	session *Session
	conn    *websocket.Conn

	dataChan chan *SessionData

	closing bool
}

// SessionData is the data structure for `dataChan`.
type SessionData struct {
	Error     SessionError `json:"error,omitempty"`
	ServerMsg *ServerMsg   `json:"resp,omitempty"`
}

func (h *Handler) String() string {
	return h.session.String()
}

func (h *Handler) close(cause SessionError) {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return
	}

	h.closing = true

	h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = h.conn.WriteMessage(websocket.CloseMessage, []byte{})
	h.conn.Close()

	close(h.dataChan)

	if cause != ServerStop {
		glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
		// Ask the hub to drop this handler and settle presence.
		h.hub.delHandler(h.session.Sid)
	}
}

func (h *Handler) appendDataChan(v *SessionData) {
	h.Lock()
	defer h.Unlock()
	if !h.closing {
		h.dataChan <- v
	}
}

func sendServerMsg(conn *websocket.Conn, msg *ServerMsg) error {
	out, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h.String()) }()

	h.conn.SetReadLimit(readLimit)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for !h.closing {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			glog.Errorf("recvLoop(): read error: %v", err)
			h.appendDataChan(&SessionData{Error: ReadError})
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %v", string(msg))

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{
				Error: invalidArgument("websocket only supports TextMessage"),
			}})
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		req := ClientMsg{}
		if err := json.Unmarshal(msg, &req); err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", string(msg), err)
			h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{
				Error: invalidArgument(fmt.Sprintf("unmarshal error: %v", err)),
			}})
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		uid := h.session.Uid

		if v := req.MoreConversations; v != nil {
			convs, errMsg := h.feedApi.Conversations(context.Background(), uid, v)
			if errMsg != nil {
				h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{Error: errMsg}})
				continue
			}
			h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{Conversations: convs}})
		} else if v := req.ListChunks; v != nil {
			resp, errMsg := h.feedApi.ListChunks(context.Background(), uid, v)
			if errMsg != nil {
				h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{Error: errMsg}})
				continue
			}
			h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{ChunkIDs: resp}})
		} else if v := req.GetChunk; v != nil {
			resp, errMsg := h.feedApi.GetChunk(context.Background(), uid, v)
			if errMsg != nil {
				h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{Error: errMsg}})
				continue
			}
			h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{Chunk: resp}})
		} else {
			glog.Errorf("recvLoop(): unsupported request: %s", string(msg))
			h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{
				Error: invalidArgument("unsupported request"),
			}})
			h.appendDataChan(&SessionData{Error: BadRequest})
		}
	}
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h.String())
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				h.conn.Close()
				glog.V(5).Infof("sendLoop(): data chan closed, session: %s", h.String())
				return
			}

			if v.Error > 0 {
				h.close(v.Error)
				return
			} else if v.ServerMsg == nil {
				// should not happen.
				panic(fmt.Sprintf("sendLoop(), unknown data from dataChan: %#+v", v))
			}

			if err := sendServerMsg(h.conn, v.ServerMsg); err != nil {
				glog.Errorf("sendLoop(), error write message. session: %s, err: %v", h.String(), err)
				// Nobody else drains dataChan, so close directly instead of
				// enqueueing the error back to ourselves.
				h.close(WriteError)
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(), error write ping message. session: %s, err: %v", h, err)
				h.close(PingError)
				return
			}
		}
	}
}
