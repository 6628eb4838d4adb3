// Package presence keeps per-user "connected / last seen" records in a fast
// key-value store, separate from the conversation documents. Records are
// written by the owning session's heartbeat and the hub's disconnect hook,
// and read by any client watching another user.
package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultInterval is how often a live session refreshes its record.
	DefaultInterval = 60 * time.Second

	keyPrefix = "presence:"

	fieldConnected = "connected"
	fieldLastSeen  = "lastSeen"
)

// Record is one user's presence state. A zero LastSeen means the user was
// never seen (or the record expired after a crashed node).
type Record struct {
	Connected bool      `json:"connected"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Tracker reads and writes presence records.
type Tracker struct {
	rdb      *redis.Client
	interval time.Duration
	now      func() time.Time
}

func NewTracker(rdb *redis.Client, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Tracker{rdb: rdb, interval: interval, now: time.Now}
}

func key(uid string) string {
	return keyPrefix + uid
}

// Touch marks uid connected now. The TTL is a crash safety net: if the
// serving node dies without running the disconnect hook, the record expires
// to offline on its own.
func (t *Tracker) Touch(ctx context.Context, uid string) error {
	k := key(uid)
	pipe := t.rdb.TxPipeline()
	pipe.HSet(ctx, k, fieldConnected, 1, fieldLastSeen, t.now().UTC().UnixMicro())
	pipe.Expire(ctx, k, 3*t.interval)
	_, err := pipe.Exec(ctx)
	return err
}

// Disconnect marks uid offline, preserving lastSeen indefinitely.
func (t *Tracker) Disconnect(ctx context.Context, uid string) error {
	k := key(uid)
	pipe := t.rdb.TxPipeline()
	pipe.HSet(ctx, k, fieldConnected, 0, fieldLastSeen, t.now().UTC().UnixMicro())
	pipe.Persist(ctx, k)
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns uid's presence record. Missing records read as offline.
func (t *Tracker) Get(ctx context.Context, uid string) (*Record, error) {
	vals, err := t.rdb.HGetAll(ctx, key(uid)).Result()
	if err != nil {
		return nil, err
	}
	rec := &Record{}
	if v, ok := vals[fieldConnected]; ok {
		rec.Connected = v == "1"
	}
	if v, ok := vals[fieldLastSeen]; ok {
		if micros, err := strconv.ParseInt(v, 10, 64); err == nil {
			rec.LastSeen = time.UnixMicro(micros).UTC()
		}
	}
	return rec, nil
}

// Heartbeat refreshes uid's record every interval until ctx is cancelled,
// then runs the disconnect hook. Run it as a goroutine per live session;
// cancelling the session context is the explicit close.
func (t *Tracker) Heartbeat(ctx context.Context, uid string) {
	if err := t.Touch(ctx, uid); err != nil {
		glog.Errorf("presence: touch %s: %v", uid, err)
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ctx2, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := t.Disconnect(ctx2, uid); err != nil {
				glog.Errorf("presence: disconnect %s: %v", uid, err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := t.Touch(ctx, uid); err != nil {
				glog.Errorf("presence: touch %s: %v", uid, err)
			}
		}
	}
}
