package feed

import (
	"sync"
)

// memory handler store for local sessions.
type HandlerStore struct {
	sync.RWMutex
	handlers map[string]*Handler
}

func (hs *HandlerStore) get(sid string) *Handler {
	hs.RLock()
	h := hs.handlers[sid]
	hs.RUnlock()
	return h
}

// del removes the handler; the second result reports whether any session
// for its uid is still live.
func (hs *HandlerStore) del(sid string) (removed, uidLive bool) {
	hs.Lock()
	defer hs.Unlock()
	h, ok := hs.handlers[sid]
	if !ok {
		return false, false
	}
	delete(hs.handlers, sid)
	for _, other := range hs.handlers {
		if other.session.Uid == h.session.Uid {
			return true, true
		}
	}
	return true, false
}

// add stores the handler; the result reports whether this is the uid's
// first live session.
func (hs *HandlerStore) add(handler *Handler) (firstForUid bool) {
	hs.Lock()
	defer hs.Unlock()
	firstForUid = true
	for _, other := range hs.handlers {
		if other.session.Uid == handler.session.Uid {
			firstForUid = false
			break
		}
	}
	hs.handlers[handler.session.Sid] = handler
	return firstForUid
}

func (hs *HandlerStore) getByUid(uid string) []*Handler {
	hs.RLock()
	defer hs.RUnlock()

	var out []*Handler
	for _, h := range hs.handlers {
		if h.session.Uid == uid {
			out = append(out, h)
		}
	}
	return out
}

func (hs *HandlerStore) close() {
	hs.RLock()
	defer hs.RUnlock()
	for _, h := range hs.handlers {
		h.close(ServerStop)
	}
}
