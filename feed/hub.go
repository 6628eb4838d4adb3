package feed

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"duochat/auth"
	"duochat/changefeed"
	"duochat/chat"
	"duochat/presence"
)

// Hub manages and serves live subscription sessions. It is the delivery end
// of the change feed: the changefeed consumer hands it conversation-changed
// events and it republishes fresh document snapshots to every member's
// sessions. It also owns presence: one heartbeat per uid while at least one
// session is live, disconnect hook when the last one closes.
type Hub struct {
	feedApi    *FeedApi
	authClient auth.Client
	tracker    *presence.Tracker
	hstore     *HandlerStore
	online     bool

	mu    sync.Mutex
	beats map[string]context.CancelFunc
}

// NewHub creates a `Hub`.
func NewHub(authClient auth.Client, store chat.IConvStore, tracker *presence.Tracker, conf *Conf) *Hub {
	return &Hub{
		feedApi:    NewApi(store, conf),
		authClient: authClient,
		tracker:    tracker,
		hstore: &HandlerStore{
			handlers: make(map[string]*Handler),
		},
		beats: make(map[string]context.CancelFunc),
	}
}

// Run blocks until ctx is cancelled, then closes all sessions.
func (h *Hub) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	h.online = true

	<-ctx.Done()
	h.online = false

	glog.Infof("close connections ...")
	h.hstore.close()

	h.mu.Lock()
	for uid, cancel := range h.beats {
		cancel()
		delete(h.beats, uid)
	}
	h.mu.Unlock()

	glog.Infof("close connections done")
	stopDoneNotifyC <- struct{}{}
}

// ConvChanged implements changefeed.Sink: push the updated conversation
// snapshot to each member's live sessions. Duplicate notifications just
// resend the current snapshot.
func (h *Hub) ConvChanged(ctx context.Context, e *changefeed.Event) {
	for _, member := range e.Members {
		sessions := h.hstore.getByUid(member)
		if len(sessions) == 0 {
			continue
		}

		msg, errMsg := h.feedApi.Conversation(ctx, member, e.ConvID)
		if errMsg != nil || msg == nil {
			continue
		}
		for _, s := range sessions {
			s.appendDataChan(&SessionData{ServerMsg: &ServerMsg{
				Conversations: []*ConversationMsg{msg},
			}})
		}
	}
}

// ServeHTTP handles websocket subscription requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.online {
		http.Error(w, "This node is temporarily offline", http.StatusServiceUnavailable)
		return
	}

	uid, err := h.authClient.Auth(r)
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	sess := &Session{
		Uid:        uid,
		Sid:        strings.ReplaceAll(uuid.New(), "-", ""),
		CreateTime: time.Now().Unix(),
		Ip:         getRemoteIP(r),
	}

	// If the upgrade fails, Upgrade replies to the client with an HTTP
	// error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, uid: %s, err: %s", uid, err)
		return
	}

	handler := &Handler{
		dataChan: make(chan *SessionData, 16),
		session:  sess,
		conn:     conn,
		feedApi:  h.feedApi,
		hub:      h,
	}

	conn.SetCloseHandler(func(code int, text string) error {
		glog.Infof("session closed by peer, session: %s, code: %d, text: %s", handler, code, text)
		h.delHandler(sess.Sid)
		return nil
	})

	h.addHandler(handler)

	go handler.recvLoop()
	go handler.sendLoop()

	// Initial snapshot: first page of the subscriber's conversations.
	convs, errMsg := h.feedApi.Conversations(r.Context(), uid, &MoreConversationsReq{})
	if errMsg != nil {
		handler.appendDataChan(&SessionData{ServerMsg: &ServerMsg{Error: errMsg}})
		return
	}
	handler.appendDataChan(&SessionData{ServerMsg: &ServerMsg{Conversations: convs}})
}

func (h *Hub) addHandler(handler *Handler) {
	if h.hstore.add(handler) {
		// First session for this uid: start its presence heartbeat.
		ctx, cancel := context.WithCancel(context.Background())
		h.mu.Lock()
		h.beats[handler.session.Uid] = cancel
		h.mu.Unlock()
		go h.tracker.Heartbeat(ctx, handler.session.Uid)
	}
}

func (h *Hub) delHandler(sid string) {
	handler := h.hstore.get(sid)
	if handler == nil {
		return
	}
	removed, uidLive := h.hstore.del(sid)
	if removed && !uidLive {
		// Last session gone: the cancelled heartbeat runs the disconnect
		// hook and marks the user offline.
		h.mu.Lock()
		if cancel, ok := h.beats[handler.session.Uid]; ok {
			cancel()
			delete(h.beats, handler.session.Uid)
		}
		h.mu.Unlock()
	}
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
