package feed

import (
	"duochat/chat"
)

// Wire protocol for the live subscription socket. JSON text messages both
// directions; exactly one field set per message.

// ClientMsg is a request from a subscriber.
type ClientMsg struct {
	// MoreConversations asks for the next page of the caller's
	// conversations, older than the cursor.
	MoreConversations *MoreConversationsReq `json:"moreConversations,omitempty"`
	// ListChunks asks for archive chunk ids of one conversation, newest
	// first.
	ListChunks *ListChunksReq `json:"listChunks,omitempty"`
	// GetChunk fetches one archive chunk for history backfill.
	GetChunk *GetChunkReq `json:"getChunk,omitempty"`
}

type MoreConversationsReq struct {
	// Before is an updatedAt cursor in microseconds; zero means from the
	// newest.
	Before int64 `json:"before,omitempty"`
}

type ListChunksReq struct {
	ConvID   string `json:"convId"`
	BeforeID string `json:"beforeId,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type GetChunkReq struct {
	ConvID  string `json:"convId"`
	ChunkID string `json:"chunkId"`
}

// ServerMsg is one push to a subscriber.
type ServerMsg struct {
	Error *ErrorMsg `json:"error,omitempty"`
	// Conversations carries the initial page, a pagination page, or a
	// single-element live update. Each entry is a whole-document snapshot;
	// receivers replace their copy wholesale.
	Conversations []*ConversationMsg `json:"conversations,omitempty"`
	ChunkIDs      *ChunkIDsMsg       `json:"chunkIds,omitempty"`
	Chunk         *ChunkMsg          `json:"chunk,omitempty"`
}

type ErrorMsg struct {
	Code   chat.Code `json:"code"`
	Reason string    `json:"reason,omitempty"`
}

type ConversationMsg struct {
	ID             string       `json:"id"`
	Members        [2]string    `json:"members"`
	RecentMessages []MessageMsg `json:"recentMessages"`
	MessageBytes   int64        `json:"messageBytes"`
	UpdatedAt      int64        `json:"updatedAt"`
}

type MessageMsg struct {
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type ChunkIDsMsg struct {
	ConvID string   `json:"convId"`
	IDs    []string `json:"ids"`
}

type ChunkMsg struct {
	ConvID string       `json:"convId"`
	ID     string       `json:"id"`
	Items  []MessageMsg `json:"items"`
}

func toMessageMsg(m chat.Message) MessageMsg {
	return MessageMsg{Sender: m.Sender, Text: m.Text, Timestamp: m.TS}
}

func toConversationMsg(c *chat.Conversation) *ConversationMsg {
	msgs := make([]MessageMsg, 0, len(c.Recent))
	for _, m := range c.Recent {
		msgs = append(msgs, toMessageMsg(m))
	}
	return &ConversationMsg{
		ID:             c.ID,
		Members:        c.Members,
		RecentMessages: msgs,
		MessageBytes:   c.MessageBytes,
		UpdatedAt:      c.UpdatedAt.UnixMicro(),
	}
}

// Conf bounds what one subscriber request may ask for.
type Conf struct {
	// PageSize is the conversation page size for the initial snapshot and
	// pagination requests.
	PageSize int
	// ChunkListLimit caps one ListChunks response.
	ChunkListLimit int
}

const (
	MinPageSize = 1
	MaxPageSize = 50

	DefaultPageSize       = 10
	DefaultChunkListLimit = 25
)
