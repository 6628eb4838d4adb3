package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"duochat/registry"
)

var errShortBatch = errors.New("batch fetch returned short result")

// FetchFunc loads user infos in one batch call, typically the getUserInfo
// endpoint. Results align with ids by position.
type FetchFunc func(ctx context.Context, ids []string) ([]registry.UserInfo, error)

const coalesceWindow = 10 * time.Millisecond

// UserCache memoizes user infos and coalesces concurrent lookups into
// batch fetches: requests arriving within the window share one call instead
// of issuing per-id fetches. Failed lookups are dropped from the cache so a
// later Get retries.
type UserCache struct {
	fetch FetchFunc

	mu      sync.Mutex
	entries map[string]*userEntry
	batch   []string
	timer   *time.Timer
}

type userEntry struct {
	done chan struct{}
	info registry.UserInfo
	err  error
}

func NewUserCache(fetch FetchFunc) *UserCache {
	return &UserCache{
		fetch:   fetch,
		entries: make(map[string]*userEntry),
	}
}

// Get returns the cached info for id, joining an in-flight batch or
// scheduling a new one when absent.
func (c *UserCache) Get(ctx context.Context, id string) (registry.UserInfo, error) {
	infos, err := c.GetMany(ctx, []string{id})
	if err != nil {
		return registry.UserInfo{}, err
	}
	return infos[0], nil
}

// GetMany resolves ids, positions aligned with the request. All ids share
// the cache; only the missing ones go on the wire.
func (c *UserCache) GetMany(ctx context.Context, ids []string) ([]registry.UserInfo, error) {
	c.mu.Lock()
	wait := make([]*userEntry, 0, len(ids))
	for _, id := range ids {
		e, ok := c.entries[id]
		if !ok {
			e = &userEntry{done: make(chan struct{})}
			c.entries[id] = e
			c.batch = append(c.batch, id)
			if c.timer == nil {
				c.timer = time.AfterFunc(coalesceWindow, c.flush)
			}
		}
		wait = append(wait, e)
	}
	c.mu.Unlock()

	out := make([]registry.UserInfo, 0, len(ids))
	for _, e := range wait {
		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		out = append(out, e.info)
	}
	return out, nil
}

func (c *UserCache) flush() {
	c.mu.Lock()
	ids := c.batch
	c.batch = nil
	c.timer = nil
	c.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	for start := 0; start < len(ids); start += registry.MaxBatchIDs {
		end := start + registry.MaxBatchIDs
		if end > len(ids) {
			end = len(ids)
		}
		c.fetchBatch(ids[start:end])
	}
}

func (c *UserCache) fetchBatch(ids []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	infos, err := c.fetch(ctx, ids)
	if err == nil && len(infos) != len(ids) {
		err = errShortBatch
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, id := range ids {
		e := c.entries[id]
		if e == nil {
			continue
		}
		if err != nil {
			e.err = err
			delete(c.entries, id)
		} else {
			e.info = infos[i]
		}
		close(e.done)
	}
}
