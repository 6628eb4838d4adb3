// Package client is the chat client library: an optimistic send reconciler
// over the server's append protocol, a live subscription over the feed
// socket, and a coalescing user-info cache. State lives for the lifetime of
// the client object; nothing here persists locally.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"duochat/chat"
)

type PendingState int

const (
	// PendingInFlight: sent, server response not seen yet. Carries only the
	// local timestamp, so snapshot reconciliation cannot match it.
	PendingInFlight PendingState = iota
	// PendingAwaitingConfirm: server acknowledged with the authoritative
	// timestamp; waiting to observe the message in a confirmed snapshot.
	PendingAwaitingConfirm
	// PendingFailed: the send call failed. The entry stays visible for a
	// caller-driven retry; it never silently vanishes.
	PendingFailed
)

// PendingSend is one optimistic, not-yet-confirmed message.
type PendingSend struct {
	TmpID   string
	Sender  string
	Text    string
	LocalTS int64
	// ServerTS is zero until the send's own response supplies the
	// authoritative timestamp.
	ServerTS int64
	State    PendingState
	Err      error
}

func (p *PendingSend) effectiveTS() int64 {
	if p.ServerTS != 0 {
		return p.ServerTS
	}
	return p.LocalTS
}

// Entry is one row of the rendered recent window: a confirmed message or a
// still-pending optimistic one.
type Entry struct {
	Message chat.Message
	Pending bool
	TmpID   string
	Failed  bool
}

// SendFunc performs the remote sendMessage call and returns the
// authoritative persisted message.
type SendFunc func(ctx context.Context, recipientID, text string) (chat.Message, error)

// Reconciler maintains, per conversation, the confirmed recent window
// (replaced wholesale on every observed snapshot) and the local pending
// sends, and retires pendings against confirmed messages exactly once.
// A single mutex serializes sends, acks and snapshots, so a reconcile pass
// always runs to completion before the next one starts.
type Reconciler struct {
	mu     sync.Mutex
	selfID string
	send   SendFunc
	now    func() time.Time
	convs  map[string]*convState
}

type convState struct {
	confirmed []chat.Message
	// seen accumulates every confirmed message ever observed, surviving
	// rollover out of the recent window.
	seen    map[chat.Message]struct{}
	pending []*PendingSend
}

func NewReconciler(selfID string, send SendFunc) *Reconciler {
	return &Reconciler{
		selfID: selfID,
		send:   send,
		now:    time.Now,
		convs:  make(map[string]*convState),
	}
}

func (r *Reconciler) conv(convID string) *convState {
	cs, ok := r.convs[convID]
	if !ok {
		cs = &convState{seen: make(map[chat.Message]struct{})}
		r.convs[convID] = cs
	}
	return cs
}

// Send registers the optimistic entry and fires the remote call. The entry
// is visible in RecentMessages immediately after Send returns; the round
// trip completes in the background.
func (r *Reconciler) Send(ctx context.Context, recipientID, text string) string {
	convID := chat.ConversationID(r.selfID, recipientID)
	p := &PendingSend{
		TmpID:   uuid.New(),
		Sender:  r.selfID,
		Text:    text,
		LocalTS: r.now().UTC().UnixMicro(),
		State:   PendingInFlight,
	}

	r.mu.Lock()
	cs := r.conv(convID)
	cs.pending = append(cs.pending, p)
	r.mu.Unlock()

	go func() {
		msg, err := r.send(ctx, recipientID, text)
		r.onSendResult(convID, p.TmpID, msg, err)
	}()
	return p.TmpID
}

func (r *Reconciler) onSendResult(convID, tmpID string, msg chat.Message, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs := r.conv(convID)
	for _, p := range cs.pending {
		if p.TmpID != tmpID {
			continue
		}
		if err != nil {
			p.State = PendingFailed
			p.Err = err
			glog.Errorf("client: send %s failed: %v", tmpID, err)
			return
		}
		// Overwrite the local timestamp with the authoritative one; all
		// later matching and ordering uses it.
		p.ServerTS = msg.TS
		p.State = PendingAwaitingConfirm

		// The confirming snapshot may have arrived before this response.
		if _, ok := cs.seen[msg]; ok {
			cs.retire(p)
		}
		return
	}
}

// ApplySnapshot replaces the conversation's confirmed window with the
// observed snapshot and retires any pending send whose sender, text and
// authoritative timestamp exactly match a newly observed message.
func (r *Reconciler) ApplySnapshot(convID string, msgs []chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs := r.conv(convID)
	cs.confirmed = append(cs.confirmed[:0], msgs...)

	for _, m := range msgs {
		if _, ok := cs.seen[m]; ok {
			continue
		}
		cs.seen[m] = struct{}{}

		for _, p := range cs.pending {
			// An in-flight pending has no authoritative timestamp yet; it
			// waits for its own round trip.
			if p.State == PendingAwaitingConfirm &&
				p.Sender == m.Sender && p.Text == m.Text && p.ServerTS == m.TS {
				cs.retire(p)
				break
			}
		}
	}
}

func (cs *convState) retire(p *PendingSend) {
	for i, q := range cs.pending {
		if q == p {
			cs.pending = append(cs.pending[:i], cs.pending[i+1:]...)
			return
		}
	}
}

// RecentMessages returns the stable merge of confirmed and still-pending
// messages, ascending by effective timestamp (authoritative when known,
// local otherwise).
func (r *Reconciler) RecentMessages(convID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs := r.conv(convID)
	out := make([]Entry, 0, len(cs.confirmed)+len(cs.pending))
	for _, m := range cs.confirmed {
		out = append(out, Entry{Message: m})
	}
	for _, p := range cs.pending {
		out = append(out, Entry{
			Message: chat.Message{Sender: p.Sender, Text: p.Text, TS: p.effectiveTS()},
			Pending: true,
			TmpID:   p.TmpID,
			Failed:  p.State == PendingFailed,
		})
	}

	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Message.TS < out[j-1].Message.TS; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// PendingSends returns copies of the conversation's pending entries, for
// retry affordances.
func (r *Reconciler) PendingSends(convID string) []PendingSend {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs := r.conv(convID)
	out := make([]PendingSend, 0, len(cs.pending))
	for _, p := range cs.pending {
		out = append(out, *p)
	}
	return out
}
