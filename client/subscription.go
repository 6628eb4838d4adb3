package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"duochat/chat"
	"duochat/feed"
)

const subWriteWait = 3 * time.Second

// Subscription is a live feed connection. The server pushes conversation
// snapshots; requests for older pages and archived chunks go out over the
// same socket.
type Subscription struct {
	conn *websocket.Conn
	onMsg func(*feed.ServerMsg)

	wmu       sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// Subscribe dials the feed endpoint and starts the read loop. onMsg is
// called from the read loop for every server push; it returns no more after
// Close returns.
func Subscribe(ctx context.Context, url string, header http.Header, onMsg func(*feed.ServerMsg)) (*Subscription, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	s := &Subscription{
		conn:  conn,
		onMsg: onMsg,
		done:  make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *Subscription) readLoop() {
	defer close(s.done)
	for {
		m := &feed.ServerMsg{}
		if err := s.conn.ReadJSON(m); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.Warningf("client: feed read: %v", err)
			}
			return
		}
		s.onMsg(m)
	}
}

func (s *Subscription) writeJSON(v interface{}) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(subWriteWait))
	return s.conn.WriteJSON(v)
}

// MoreConversations requests the next page of conversations strictly older
// than before (unixmicro).
func (s *Subscription) MoreConversations(before int64) error {
	return s.writeJSON(&feed.ClientMsg{
		MoreConversations: &feed.MoreConversationsReq{Before: before},
	})
}

// ListChunks requests archived chunk ids for a conversation, newest first.
func (s *Subscription) ListChunks(convID, beforeID string) error {
	return s.writeJSON(&feed.ClientMsg{
		ListChunks: &feed.ListChunksReq{ConvID: convID, BeforeID: beforeID},
	})
}

// GetChunk requests one archived chunk by id.
func (s *Subscription) GetChunk(convID, chunkID string) error {
	return s.writeJSON(&feed.ClientMsg{
		GetChunk: &feed.GetChunkReq{ConvID: convID, ChunkID: chunkID},
	})
}

// Close shuts the socket down and waits for the read loop to exit, so no
// onMsg callback runs after it returns. Safe to call more than once.
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.wmu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(subWriteWait))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.wmu.Unlock()
		err = s.conn.Close()
		<-s.done
	})
	return err
}

// RouteSnapshots wires a subscription's conversation pushes into a
// reconciler: every conversation snapshot in m is applied as the new
// confirmed window.
func RouteSnapshots(r *Reconciler, m *feed.ServerMsg) {
	for _, c := range m.Conversations {
		msgs := make([]chat.Message, 0, len(c.RecentMessages))
		for _, mm := range c.RecentMessages {
			msgs = append(msgs, chat.Message{Sender: mm.Sender, Text: mm.Text, TS: mm.Timestamp})
		}
		r.ApplySnapshot(c.ID, msgs)
	}
}
