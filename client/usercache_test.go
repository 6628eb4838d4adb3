package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duochat/registry"
)

func echoFetch(calls *int32, batches *[][]string, mu *sync.Mutex) FetchFunc {
	return func(_ context.Context, ids []string) ([]registry.UserInfo, error) {
		atomic.AddInt32(calls, 1)
		if mu != nil {
			mu.Lock()
			*batches = append(*batches, append([]string(nil), ids...))
			mu.Unlock()
		}
		out := make([]registry.UserInfo, 0, len(ids))
		for _, id := range ids {
			out = append(out, registry.UserInfo{ID: id, DisplayName: "name-" + id})
		}
		return out, nil
	}
}

func TestUserCacheCoalesces(t *testing.T) {
	var calls int32
	var batches [][]string
	var mu sync.Mutex
	c := NewUserCache(echoFetch(&calls, &batches, &mu))
	ctx := context.Background()

	// Concurrent lookups inside the window share one batch call.
	ids := []string{"u1", "u2", "u3", "u4"}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			info, err := c.Get(ctx, id)
			assert.NoError(t, err)
			assert.Equal(t, "name-"+id, info.DisplayName)
		}(id)
	}
	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	mu.Lock()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], len(ids))
	mu.Unlock()

	// Cached: no further fetches.
	info, err := c.Get(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "name-u2", info.DisplayName)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestUserCacheGetMany(t *testing.T) {
	var calls int32
	c := NewUserCache(echoFetch(&calls, nil, nil))

	infos, err := c.GetMany(context.Background(), []string{"b", "a", "b"})
	require.NoError(t, err)
	require.Len(t, infos, 3)
	// Positions align with the request, duplicates included.
	assert.Equal(t, "b", infos[0].ID)
	assert.Equal(t, "a", infos[1].ID)
	assert.Equal(t, "b", infos[2].ID)
}

func TestUserCacheRetryAfterError(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	var calls int32
	c := NewUserCache(func(_ context.Context, ids []string) ([]registry.UserInfo, error) {
		atomic.AddInt32(&calls, 1)
		if fail.Load() {
			return nil, errors.New("registry down")
		}
		out := make([]registry.UserInfo, 0, len(ids))
		for _, id := range ids {
			out = append(out, registry.UserInfo{ID: id})
		}
		return out, nil
	})
	ctx := context.Background()

	_, err := c.Get(ctx, "u1")
	require.Error(t, err)

	// The failed entry is dropped, so the next lookup goes back to the wire.
	fail.Store(false)
	info, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", info.ID)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}
