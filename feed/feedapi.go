package feed

import (
	"context"
	"time"

	"github.com/golang/glog"

	"duochat/chat"
)

// FeedApi serves subscriber requests against the conversation store.
type FeedApi struct {
	store chat.IConvStore
	conf  *Conf
}

func NewApi(store chat.IConvStore, conf *Conf) *FeedApi {
	return &FeedApi{store: store, conf: conf}
}

// Conversations returns one page of uid's conversations, newest first.
// A zero cursor starts at the newest.
func (s *FeedApi) Conversations(ctx context.Context, uid string, req *MoreConversationsReq) ([]*ConversationMsg, *ErrorMsg) {
	if req.Before < 0 {
		return nil, invalidArgument("before: should be non-negative")
	}

	var before time.Time
	if req.Before > 0 {
		before = time.UnixMicro(req.Before).UTC()
	}

	convs, err := s.store.ListConversations(ctx, uid, before, s.conf.PageSize)
	if err != nil {
		return nil, internalError(err)
	}

	out := make([]*ConversationMsg, 0, len(convs))
	for _, c := range convs {
		out = append(out, toConversationMsg(c))
	}
	return out, nil
}

// Conversation returns the current snapshot of one conversation, but only
// for its members.
func (s *FeedApi) Conversation(ctx context.Context, uid, convID string) (*ConversationMsg, *ErrorMsg) {
	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, internalError(err)
	}
	if conv == nil || !isMember(conv.Members, uid) {
		return nil, nil
	}
	return toConversationMsg(conv), nil
}

func (s *FeedApi) ListChunks(ctx context.Context, uid string, req *ListChunksReq) (*ChunkIDsMsg, *ErrorMsg) {
	if req.ConvID == "" {
		return nil, invalidArgument("convId: required")
	}
	if errMsg := s.requireMember(ctx, uid, req.ConvID); errMsg != nil {
		return nil, errMsg
	}

	limit := req.Limit
	if limit <= 0 || limit > s.conf.ChunkListLimit {
		limit = s.conf.ChunkListLimit
	}

	ids, err := s.store.ListChunkIDs(ctx, req.ConvID, req.BeforeID, limit)
	if err != nil {
		return nil, internalError(err)
	}
	return &ChunkIDsMsg{ConvID: req.ConvID, IDs: ids}, nil
}

func (s *FeedApi) GetChunk(ctx context.Context, uid string, req *GetChunkReq) (*ChunkMsg, *ErrorMsg) {
	if req.ConvID == "" || req.ChunkID == "" {
		return nil, invalidArgument("convId and chunkId: required")
	}
	if errMsg := s.requireMember(ctx, uid, req.ConvID); errMsg != nil {
		return nil, errMsg
	}

	chunk, err := s.store.GetChunk(ctx, req.ConvID, req.ChunkID)
	if err != nil {
		return nil, internalError(err)
	}

	items := make([]MessageMsg, 0, len(chunk.Items))
	for _, m := range chunk.Items {
		items = append(items, toMessageMsg(m))
	}
	return &ChunkMsg{ConvID: chunk.ConvID, ID: chunk.ID, Items: items}, nil
}

func (s *FeedApi) requireMember(ctx context.Context, uid, convID string) *ErrorMsg {
	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return internalError(err)
	}
	if conv == nil || !isMember(conv.Members, uid) {
		return invalidArgument("not a member of this conversation")
	}
	return nil
}

func isMember(members [2]string, uid string) bool {
	return members[0] == uid || members[1] == uid
}

func invalidArgument(reason string) *ErrorMsg {
	return &ErrorMsg{Code: chat.CodeInvalidInput, Reason: reason}
}

func internalError(err error) *ErrorMsg {
	glog.Errorf("feed: storage error: %v", err)
	// Storage details stay out of client responses.
	return &ErrorMsg{Code: chat.CodeInternal, Reason: "temp storage error"}
}
