package chat

import (
	"context"
	"errors"
	"time"
)

// ErrChunkExists is returned by PutChunk when the chunk id is already taken.
// Chunks are write-once; a duplicate id means a retried rollover already
// archived this window.
var ErrChunkExists = errors.New("chat: chunk already exists")

// AppendMerge is one merge against a conversation document. The store must
// apply it with commutative field-level primitives so concurrent merges for
// the same conversation compose instead of clobbering each other:
// Append/Remove are set union and targeted set removal on the recent window,
// AppendBytes/RemoveBytes are counter increments (net delta
// AppendBytes-RemoveBytes), Members and UpdatedAt are last-writer-wins.
// Eviction and append are carried separately so a store whose merge
// primitive cannot touch the window in two actions at once may apply them as
// two updates, eviction first; a failure between the two leaves the counter
// an overestimate, never an underestimate.
// The merge creates the conversation document when absent.
type AppendMerge struct {
	Members [2]string
	Append  *Message
	Remove  []Message
	// AppendBytes is the estimated stored size of Append.
	AppendBytes int64
	// RemoveBytes is the estimated stored total of the Remove set.
	RemoveBytes int64
	UpdatedAt   time.Time
}

// IConvStore is the conversation/chunk document store. Implementations are
// the serialization point for concurrent appends; callers never hold locks
// across store calls.
type IConvStore interface {
	// GetConversation returns the conversation document, or (nil, nil) when
	// it does not exist yet.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// MergeConversation applies m to the conversation document, creating it
	// if absent.
	MergeConversation(ctx context.Context, id string, m *AppendMerge) error

	// PutChunk writes a new archive chunk. Returns ErrChunkExists if the
	// (conversation, chunk id) pair is already present.
	PutChunk(ctx context.Context, c *Chunk) error

	// GetChunk fetches one archive chunk.
	GetChunk(ctx context.Context, convID, chunkID string) (*Chunk, error)

	// ListChunkIDs returns up to limit chunk ids for the conversation,
	// newest first. A non-empty beforeID restricts to ids strictly older.
	ListChunkIDs(ctx context.Context, convID, beforeID string, limit int) ([]string, error)

	// ListConversations returns up to limit conversations that member belongs
	// to, ordered by UpdatedAt descending. A non-zero before restricts to
	// conversations strictly older than it (cursor pagination).
	ListConversations(ctx context.Context, member string, before time.Time, limit int) ([]*Conversation, error)
}

// ChangePublisher republishes a conversation mutation to the live feed bus.
type ChangePublisher interface {
	ConvChanged(ctx context.Context, convID string, members [2]string) error
}

// UserDirectory resolves whether an account exists, backed by the managed
// auth service.
type UserDirectory interface {
	UserExists(ctx context.Context, uid string) (bool, error)
}
