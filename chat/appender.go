package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

const (
	// DefaultRolloverPct leaves headroom below the document ceiling for the
	// rollover write itself and for estimation error.
	DefaultRolloverPct = 80

	MinRolloverPct = 50
	MaxRolloverPct = 95
)

// Appender owns the recent-window/chunk protocol for conversation documents.
// One Append call per message: it decides whether the window must roll over
// into an archive chunk, performs the chunk write and the targeted eviction
// merge, and unconditionally merge-appends the new message.
//
// The store is the only serialization point. Two Append calls may race
// between the read and the merge; the merge primitives are commutative, so
// neither call clobbers the other's message or counter delta. A rollover
// racing an append can at worst leave the window duplicated into a chunk,
// never dropped.
type Appender struct {
	store     IConvStore
	est       Estimator
	threshold int64

	mu     sync.Mutex
	lastTS map[string]int64
	now    func() time.Time
}

func NewAppender(store IConvStore, est Estimator, docLimit int64, rolloverPct int) *Appender {
	if rolloverPct < MinRolloverPct || rolloverPct > MaxRolloverPct {
		rolloverPct = DefaultRolloverPct
	}
	return &Appender{
		store:     store,
		est:       est,
		threshold: docLimit * int64(rolloverPct) / 100,
		lastTS:    make(map[string]int64),
		now:       time.Now,
	}
}

// Threshold returns the rollover trigger in bytes.
func (a *Appender) Threshold() int64 { return a.threshold }

// Append persists one message between sender and recipient and returns it
// with its server-assigned timestamp. Validation happens upstream; text
// reaching here fits the document comfortably.
func (a *Appender) Append(ctx context.Context, senderID, recipientID, text string) (Message, error) {
	convID := ConversationID(senderID, recipientID)
	members := MemberPair(senderID, recipientID)

	msg := Message{
		Sender: senderID,
		Text:   text,
		TS:     a.nextTS(convID),
	}
	size := a.est.Message(msg)

	conv, err := a.store.GetConversation(ctx, convID)
	if err != nil {
		return Message{}, wrapError(CodeStorageConflict, "read conversation", err)
	}

	merge := &AppendMerge{
		Members:     members,
		Append:      &msg,
		AppendBytes: size,
		UpdatedAt:   a.now().UTC(),
	}

	if conv != nil && conv.MessageBytes+size > a.threshold && len(conv.Recent) > 0 {
		evicted, evictedBytes, err := a.rollover(ctx, convID, conv.Recent)
		if err != nil {
			return Message{}, err
		}
		// Remove exactly the evicted set: a message appended concurrently
		// between our read and this merge stays in the window untouched.
		merge.Remove = evicted
		merge.RemoveBytes = evictedBytes
	}

	if err := a.store.MergeConversation(ctx, convID, merge); err != nil {
		if len(merge.Remove) > 0 {
			// Chunk write landed but the eviction merge did not: the window
			// now exists in both places until the caller retries. Duplicated,
			// not lost.
			metricRolloverOrphans.Inc()
			glog.Errorf("append: conversation %s: merge after chunk write failed: %v", convID, err)
		}
		return Message{}, wrapError(CodeStorageConflict, "merge conversation", err)
	}

	metricAppends.Inc()
	glog.V(5).Infof("append: conversation %s: +%dB (evicted %d)", convID, size, len(merge.Remove))
	return msg, nil
}

// rollover archives the whole current window into a fresh chunk and returns
// the evicted set with its estimated byte total.
func (a *Appender) rollover(ctx context.Context, convID string, window []Message) ([]Message, int64, error) {
	chunkID, err := NewChunkID(a.now())
	if err != nil {
		return nil, 0, wrapError(CodeInternal, "new chunk id", err)
	}

	evicted := make([]Message, len(window))
	copy(evicted, window)

	chunk := &Chunk{ConvID: convID, ID: chunkID, Items: evicted}
	if err := a.store.PutChunk(ctx, chunk); err != nil {
		// Nothing was removed from the window; the message is not persisted
		// either. Caller retries, no loss.
		return nil, 0, wrapError(CodeStorageConflict, fmt.Sprintf("archive chunk %s", chunkID), err)
	}

	var total int64
	for _, m := range evicted {
		total += a.est.Message(m)
	}

	metricRollovers.Inc()
	glog.Infof("rollover: conversation %s: archived %d messages (%dB) into chunk %s",
		convID, len(evicted), total, chunkID)
	return evicted, total, nil
}

// nextTS assigns the server timestamp for convID, monotonic per conversation
// within this process even when the wall clock stalls or steps back.
func (a *Appender) nextTS(convID string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ts := a.now().UTC().UnixMicro()
	if last := a.lastTS[convID]; ts <= last {
		ts = last + 1
	}
	a.lastTS[convID] = ts
	return ts
}
