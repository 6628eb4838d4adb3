package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duochat/chat"
)

// stepSend is a SendFunc the test releases one call at a time.
type stepSend struct {
	calls   chan struct{}
	results chan sendResult
}

type sendResult struct {
	msg chat.Message
	err error
}

func newStepSend() *stepSend {
	return &stepSend{
		calls:   make(chan struct{}, 16),
		results: make(chan sendResult),
	}
}

func (s *stepSend) send(ctx context.Context, recipientID, text string) (chat.Message, error) {
	s.calls <- struct{}{}
	r := <-s.results
	return r.msg, r.err
}

func waitForState(t *testing.T, r *Reconciler, convID, tmpID string, want PendingState) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, p := range r.PendingSends(convID) {
			if p.TmpID == tmpID {
				return p.State == want
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func waitRetired(t *testing.T, r *Reconciler, convID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.PendingSends(convID)) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSendOptimisticVisible(t *testing.T) {
	ss := newStepSend()
	r := NewReconciler("alice", ss.send)

	tmpID := r.Send(context.Background(), "bob", "hi")
	<-ss.calls

	// Visible immediately, before the round trip completes.
	entries := r.RecentMessages("alice_bob")
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Pending)
	assert.Equal(t, tmpID, entries[0].TmpID)
	assert.Equal(t, "hi", entries[0].Message.Text)
	assert.NotZero(t, entries[0].Message.TS)

	ss.results <- sendResult{msg: chat.Message{Sender: "alice", Text: "hi", TS: 1000}}
	waitForState(t, r, "alice_bob", tmpID, PendingAwaitingConfirm)

	// The authoritative timestamp replaced the local one.
	entries = r.RecentMessages("alice_bob")
	require.Len(t, entries, 1)
	assert.EqualValues(t, 1000, entries[0].Message.TS)
}

func TestSnapshotRetiresConfirmed(t *testing.T) {
	ss := newStepSend()
	r := NewReconciler("alice", ss.send)

	tmpID := r.Send(context.Background(), "bob", "hi")
	<-ss.calls
	confirmed := chat.Message{Sender: "alice", Text: "hi", TS: 1000}
	ss.results <- sendResult{msg: confirmed}
	waitForState(t, r, "alice_bob", tmpID, PendingAwaitingConfirm)

	r.ApplySnapshot("alice_bob", []chat.Message{confirmed})

	assert.Empty(t, r.PendingSends("alice_bob"))
	entries := r.RecentMessages("alice_bob")
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Pending)
	assert.Equal(t, confirmed, entries[0].Message)
}

func TestSnapshotBeforeAck(t *testing.T) {
	ss := newStepSend()
	r := NewReconciler("alice", ss.send)

	r.Send(context.Background(), "bob", "hi")
	<-ss.calls

	// The confirming snapshot races ahead of the send response. The pending
	// carries only a local timestamp, so it cannot be matched yet and both
	// copies show.
	confirmed := chat.Message{Sender: "alice", Text: "hi", TS: 1000}
	r.ApplySnapshot("alice_bob", []chat.Message{confirmed})
	require.Len(t, r.PendingSends("alice_bob"), 1)
	assert.Len(t, r.RecentMessages("alice_bob"), 2)

	// The ack supplies the authoritative timestamp and retires on the spot.
	ss.results <- sendResult{msg: confirmed}
	waitRetired(t, r, "alice_bob")
	assert.Len(t, r.RecentMessages("alice_bob"), 1)
}

func TestFailedSendStaysVisible(t *testing.T) {
	ss := newStepSend()
	r := NewReconciler("alice", ss.send)

	tmpID := r.Send(context.Background(), "bob", "hi")
	<-ss.calls
	ss.results <- sendResult{err: errors.New("network down")}
	waitForState(t, r, "alice_bob", tmpID, PendingFailed)

	pending := r.PendingSends("alice_bob")
	require.Len(t, pending, 1)
	assert.Error(t, pending[0].Err)

	entries := r.RecentMessages("alice_bob")
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Failed)

	// Later snapshots never retire a failed entry.
	r.ApplySnapshot("alice_bob", []chat.Message{{Sender: "bob", Text: "yo", TS: 2000}})
	assert.Len(t, r.PendingSends("alice_bob"), 1)
}

func TestIdenticalTextsRetireOnce(t *testing.T) {
	ss := newStepSend()
	r := NewReconciler("alice", ss.send)
	ctx := context.Background()

	// Two sends with identical text; the server assigns distinct timestamps.
	c1 := chat.Message{Sender: "alice", Text: "hi", TS: 1000}
	c2 := chat.Message{Sender: "alice", Text: "hi", TS: 1001}

	tmp1 := r.Send(ctx, "bob", "hi")
	<-ss.calls
	ss.results <- sendResult{msg: c1}
	waitForState(t, r, "alice_bob", tmp1, PendingAwaitingConfirm)

	tmp2 := r.Send(ctx, "bob", "hi")
	<-ss.calls
	ss.results <- sendResult{msg: c2}
	waitForState(t, r, "alice_bob", tmp2, PendingAwaitingConfirm)

	// A snapshot with only the first confirmation retires exactly one.
	r.ApplySnapshot("alice_bob", []chat.Message{c1})
	require.Len(t, r.PendingSends("alice_bob"), 1)
	assert.Equal(t, tmp2, r.PendingSends("alice_bob")[0].TmpID)

	r.ApplySnapshot("alice_bob", []chat.Message{c1, c2})
	assert.Empty(t, r.PendingSends("alice_bob"))
}

func TestRecentMessagesOrdering(t *testing.T) {
	ss := newStepSend()
	r := NewReconciler("alice", ss.send)
	r.now = func() time.Time { return time.UnixMicro(1500).UTC() }

	r.ApplySnapshot("alice_bob", []chat.Message{
		{Sender: "bob", Text: "first", TS: 1000},
		{Sender: "bob", Text: "third", TS: 2000},
	})
	r.Send(context.Background(), "bob", "second")
	<-ss.calls

	entries := r.RecentMessages("alice_bob")
	require.Len(t, entries, 3)
	assert.Equal(t, "first", entries[0].Message.Text)
	assert.Equal(t, "second", entries[1].Message.Text)
	assert.True(t, entries[1].Pending)
	assert.Equal(t, "third", entries[2].Message.Text)
}
