package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConversationID(t *testing.T) {
	assert.Equal(t, "alice_bob", ConversationID("alice", "bob"))
	assert.Equal(t, "alice_bob", ConversationID("bob", "alice"))
	assert.Equal(t, [2]string{"alice", "bob"}, MemberPair("bob", "alice"))
}

func TestValidUserID(t *testing.T) {
	assert.True(t, ValidUserID("alice"))
	assert.True(t, ValidUserID("u-123"))
	assert.False(t, ValidUserID(""))
	assert.False(t, ValidUserID("a_b"))
}

func TestSortMessages(t *testing.T) {
	msgs := []Message{
		{Sender: "b", Text: "x", TS: 2},
		{Sender: "a", Text: "z", TS: 1},
		{Sender: "a", Text: "y", TS: 2},
	}
	SortMessages(msgs)
	assert.Equal(t, []Message{
		{Sender: "a", Text: "z", TS: 1},
		{Sender: "a", Text: "y", TS: 2},
		{Sender: "b", Text: "x", TS: 2},
	}, msgs)
}

func TestMessageEncodeRoundtrip(t *testing.T) {
	m := Message{Sender: "alice", Text: "hi there", TS: 12345}

	// Canonical: the same message always encodes to the same bytes.
	s := m.Encode()
	assert.Equal(t, s, m.Encode())

	got, err := DecodeMessage(s)
	assert.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestChunkIDOrdering(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	id1, err := NewChunkID(t0)
	assert.NoError(t, err)
	id2, err := NewChunkID(t0.Add(time.Second))
	assert.NoError(t, err)

	// Ids for later times sort after earlier ones, so a plain key scan walks
	// chunks in creation order.
	assert.Less(t, id1, id2)
}
