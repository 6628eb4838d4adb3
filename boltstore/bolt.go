// Package boltstore implements the conversation/chunk store on a local bbolt
// file. Used by standalone deployments and tests; bolt's single-writer
// transactions make every merge atomic without further coordination.
package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"

	"duochat/chat"
)

var (
	bucketConvs   = []byte("convs")
	bucketChunks  = []byte("chunks")
	bucketMembers = []byte("members")
)

// Store implements chat.IConvStore.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketConvs, bucketChunks, bucketMembers} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// convDoc is the stored shape of a conversation document.
type convDoc struct {
	Members      [2]string      `json:"members"`
	Recent       []chat.Message `json:"recentMessages"`
	MessageBytes int64          `json:"messageBytes"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

func (s *Store) GetConversation(ctx context.Context, id string) (*chat.Conversation, error) {
	var out *chat.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketConvs).Get([]byte(id))
		if raw == nil {
			return nil
		}
		doc, err := decodeConv(raw)
		if err != nil {
			return err
		}
		out = docToConv(id, doc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: get conversation %s: %w", id, err)
	}
	return out, nil
}

func (s *Store) MergeConversation(ctx context.Context, id string, m *chat.AppendMerge) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		convs := tx.Bucket(bucketConvs)

		doc := &convDoc{}
		if raw := convs.Get([]byte(id)); raw != nil {
			var err error
			if doc, err = decodeConv(raw); err != nil {
				return err
			}
		}

		if len(m.Remove) > 0 {
			doc.Recent = removeMessages(doc.Recent, m.Remove)
		}
		if m.Append != nil {
			doc.Recent = append(doc.Recent, *m.Append)
			chat.SortMessages(doc.Recent)
		}
		doc.MessageBytes += m.AppendBytes - m.RemoveBytes
		doc.Members = m.Members
		doc.UpdatedAt = m.UpdatedAt

		raw, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		if err := convs.Put([]byte(id), raw); err != nil {
			return err
		}

		// member index: uid -> conv id. Idempotent.
		idx := tx.Bucket(bucketMembers)
		for _, member := range m.Members {
			mb, err := idx.CreateBucketIfNotExists([]byte(member))
			if err != nil {
				return err
			}
			if err := mb.Put([]byte(id), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("boltstore: merge conversation %s: %w", id, err)
	}
	return nil
}

func (s *Store) PutChunk(ctx context.Context, c *chat.Chunk) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		cb, err := tx.Bucket(bucketChunks).CreateBucketIfNotExists([]byte(c.ConvID))
		if err != nil {
			return err
		}
		if cb.Get([]byte(c.ID)) != nil {
			return chat.ErrChunkExists
		}
		raw, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return cb.Put([]byte(c.ID), raw)
	})
	if errors.Is(err, chat.ErrChunkExists) {
		return err
	}
	if err != nil {
		return fmt.Errorf("boltstore: put chunk %s/%s: %w", c.ConvID, c.ID, err)
	}
	return nil
}

func (s *Store) GetChunk(ctx context.Context, convID, chunkID string) (*chat.Chunk, error) {
	var out *chat.Chunk
	err := s.db.View(func(tx *bbolt.Tx) error {
		cb := tx.Bucket(bucketChunks).Bucket([]byte(convID))
		if cb == nil {
			return nil
		}
		raw := cb.Get([]byte(chunkID))
		if raw == nil {
			return nil
		}
		var c chat.Chunk
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		out = &c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: get chunk %s/%s: %w", convID, chunkID, err)
	}
	if out == nil {
		return nil, fmt.Errorf("boltstore: chunk %s/%s not found", convID, chunkID)
	}
	return out, nil
}

func (s *Store) ListChunkIDs(ctx context.Context, convID, beforeID string, limit int) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		cb := tx.Bucket(bucketChunks).Bucket([]byte(convID))
		if cb == nil {
			return nil
		}
		cur := cb.Cursor()

		var k []byte
		if beforeID == "" {
			k, _ = cur.Last()
		} else {
			// Seek lands at-or-after beforeID; step back for strictly older.
			k, _ = cur.Seek([]byte(beforeID))
			if k == nil {
				k, _ = cur.Last()
			} else {
				k, _ = cur.Prev()
			}
		}
		for ; k != nil && len(ids) < limit; k, _ = cur.Prev() {
			if beforeID != "" && bytes.Compare(k, []byte(beforeID)) >= 0 {
				continue
			}
			ids = append(ids, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: list chunks %s: %w", convID, err)
	}
	return ids, nil
}

func (s *Store) ListConversations(ctx context.Context, member string, before time.Time, limit int) ([]*chat.Conversation, error) {
	var out []*chat.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(bucketMembers).Bucket([]byte(member))
		if mb == nil {
			return nil
		}
		convs := tx.Bucket(bucketConvs)
		return mb.ForEach(func(k, _ []byte) error {
			raw := convs.Get(k)
			if raw == nil {
				glog.Errorf("boltstore: member index points at missing conversation %s", k)
				return nil
			}
			doc, err := decodeConv(raw)
			if err != nil {
				return err
			}
			if !before.IsZero() && !doc.UpdatedAt.Before(before) {
				return nil
			}
			out = append(out, docToConv(string(k), doc))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: list conversations for %s: %w", member, err)
	}

	// updatedAt descending, newest first.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].UpdatedAt.After(out[j-1].UpdatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func decodeConv(raw []byte) (*convDoc, error) {
	var doc convDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func docToConv(id string, doc *convDoc) *chat.Conversation {
	return &chat.Conversation{
		ID:           id,
		Members:      doc.Members,
		Recent:       doc.Recent,
		MessageBytes: doc.MessageBytes,
		UpdatedAt:    doc.UpdatedAt,
	}
}

// removeMessages drops exactly the targeted messages, leaving any message
// appended concurrently in place.
func removeMessages(window, targets []chat.Message) []chat.Message {
	drop := make(map[chat.Message]struct{}, len(targets))
	for _, m := range targets {
		drop[m] = struct{}{}
	}
	kept := window[:0]
	for _, m := range window {
		if _, ok := drop[m]; !ok {
			kept = append(kept, m)
		}
	}
	return kept
}
