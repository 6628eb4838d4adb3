package chat

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Message is one persisted chat message. Immutable once written: a message
// lives either in its conversation's recent window or in exactly one chunk.
// The struct is comparable; equality is identity for reconciliation and for
// targeted removal during rollover.
type Message struct {
	Sender string `json:"s"`
	Text   string `json:"t"`
	// TS is the server-assigned timestamp in microseconds since the Unix
	// epoch, UTC. Monotonic per conversation within one process.
	TS int64 `json:"ts"`
}

func (m Message) Time() time.Time {
	return time.UnixMicro(m.TS).UTC()
}

// Encode returns the canonical wire form of the message. Struct field order
// is fixed, so the output is byte-stable for a given message and usable as a
// set element in stores that merge string sets commutatively.
func (m Message) Encode() string {
	b, err := json.Marshal(m)
	if err != nil {
		// Message has no unmarshalable fields.
		panic(fmt.Sprintf("encode message: %v", err))
	}
	return string(b)
}

func DecodeMessage(s string) (Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return Message{}, fmt.Errorf("decode message %q: %w", s, err)
	}
	return m, nil
}

// Conversation is the live document for a two-party thread. Recent holds the
// bounded recent window, ordered by TS ascending. MessageBytes tracks the
// estimated stored size of exactly the messages in Recent; it is maintained
// by delta on every merge, never recomputed by scanning.
type Conversation struct {
	ID           string
	Members      [2]string
	Recent       []Message
	MessageBytes int64
	UpdatedAt    time.Time
}

// Chunk is an immutable archive of messages evicted from a conversation's
// recent window. One chunk per rollover, keyed by conversation id plus a
// time-ordered chunk id, never mutated after creation.
type Chunk struct {
	ConvID string    `json:"convId"`
	ID     string    `json:"id"`
	Items  []Message `json:"items"`
}

// NewChunkID returns a fresh collision-resistant chunk id that sorts by
// creation time, so listing ids in descending order walks the archive from
// newest to oldest.
func NewChunkID(t time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(t.UTC()), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// SortMessages orders messages by timestamp, breaking ties by sender then
// text so that reads from set-valued stores are deterministic.
func SortMessages(msgs []Message) {
	sortSlice(msgs, func(a, b Message) bool {
		if a.TS != b.TS {
			return a.TS < b.TS
		}
		if a.Sender != b.Sender {
			return a.Sender < b.Sender
		}
		return a.Text < b.Text
	})
}

func sortSlice(msgs []Message, less func(a, b Message) bool) {
	// insertion sort: recent windows are small and mostly ordered already.
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && less(msgs[j], msgs[j-1]); j-- {
			msgs[j], msgs[j-1] = msgs[j-1], msgs[j]
		}
	}
}

// idSeparator joins the sorted member pair into a conversation id. It is
// rejected by ValidUserID, so the mapping from pair to id is injective.
const idSeparator = "_"

// ConversationID derives the stable conversation id for a pair of users.
// Commutative: ConversationID(a, b) == ConversationID(b, a).
func ConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + idSeparator + b
}

// MemberPair returns the sorted member pair for a conversation.
func MemberPair(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}

// ValidUserID reports whether s is usable as a user identifier: non-empty
// and free of the conversation id separator.
func ValidUserID(s string) bool {
	return s != "" && !strings.Contains(s, idSeparator)
}
