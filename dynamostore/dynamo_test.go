package dynamostore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duochat/chat"
)

type stubAPI struct {
	getIn     *dynamodb.GetItemInput
	getOut    *dynamodb.GetItemOutput
	putIn     *dynamodb.PutItemInput
	putErr    error
	updateIns []*dynamodb.UpdateItemInput
	queryIn   *dynamodb.QueryInput
	queryOut  *dynamodb.QueryOutput
}

func (s *stubAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	s.getIn = in
	if s.getOut != nil {
		return s.getOut, nil
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (s *stubAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	s.putIn = in
	return &dynamodb.PutItemOutput{}, s.putErr
}

func (s *stubAPI) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	s.updateIns = append(s.updateIns, in)
	return &dynamodb.UpdateItemOutput{}, nil
}

func (s *stubAPI) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	s.queryIn = in
	if s.queryOut != nil {
		return s.queryOut, nil
	}
	return &dynamodb.QueryOutput{}, nil
}

func newTestStore(t *testing.T) (*Store, *stubAPI) {
	api := &stubAPI{}
	s, err := New(api, "duochat")
	require.NoError(t, err)
	return s, api
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, "duochat")
	assert.Error(t, err)
	_, err = New(&stubAPI{}, " ")
	assert.Error(t, err)
}

func TestGetConversationAbsent(t *testing.T) {
	s, api := newTestStore(t)

	conv, err := s.GetConversation(context.Background(), "alice_bob")
	require.NoError(t, err)
	assert.Nil(t, conv)

	// Reads of the live document are strongly consistent.
	require.NotNil(t, api.getIn)
	assert.True(t, *api.getIn.ConsistentRead)
	pk := api.getIn.Key["PK"].(*types.AttributeValueMemberS)
	assert.Equal(t, "CONV#alice_bob", pk.Value)
}

func TestMergeConversationAppendOnly(t *testing.T) {
	s, api := newTestStore(t)

	add := chat.Message{Sender: "alice", Text: "hi", TS: 300}
	err := s.MergeConversation(context.Background(), "alice_bob", &chat.AppendMerge{
		Members:     [2]string{"alice", "bob"},
		Append:      &add,
		AppendBytes: 40,
		UpdatedAt:   time.UnixMicro(400).UTC(),
	})
	require.NoError(t, err)

	// A plain append is a single update: last-writer-wins scalars, ADD for
	// the counter and the window union.
	require.Len(t, api.updateIns, 1)
	assert.Equal(t,
		"SET m1 = :m1, m2 = :m2, updatedAt = :ts ADD messageBytes :delta, rm :add",
		*api.updateIns[0].UpdateExpression)

	values := api.updateIns[0].ExpressionAttributeValues
	assert.Equal(t, "40", values[":delta"].(*types.AttributeValueMemberN).Value)
	assert.Equal(t, []string{add.Encode()}, values[":add"].(*types.AttributeValueMemberSS).Value)
}

func TestMergeConversationEvictAndAppend(t *testing.T) {
	s, api := newTestStore(t)

	add := chat.Message{Sender: "alice", Text: "new", TS: 300}
	evict := chat.Message{Sender: "bob", Text: "old", TS: 100}
	err := s.MergeConversation(context.Background(), "alice_bob", &chat.AppendMerge{
		Members:     [2]string{"alice", "bob"},
		Append:      &add,
		Remove:      []chat.Message{evict},
		AppendBytes: 40,
		RemoveBytes: 70,
		UpdatedAt:   time.UnixMicro(400).UTC(),
	})
	require.NoError(t, err)

	// Eviction and append must land as two updates: DynamoDB rejects an
	// UpdateExpression whose ADD and DELETE actions both touch rm. Eviction
	// goes first so an interrupted merge never drops the appended message.
	require.Len(t, api.updateIns, 2)
	for _, in := range api.updateIns {
		pk := in.Key["PK"].(*types.AttributeValueMemberS)
		assert.Equal(t, "CONV#alice_bob", pk.Value)
	}

	assert.Equal(t, "ADD messageBytes :delta DELETE rm :del", *api.updateIns[0].UpdateExpression)
	values := api.updateIns[0].ExpressionAttributeValues
	assert.Equal(t, "-70", values[":delta"].(*types.AttributeValueMemberN).Value)
	assert.Equal(t, []string{evict.Encode()}, values[":del"].(*types.AttributeValueMemberSS).Value)

	assert.Equal(t,
		"SET m1 = :m1, m2 = :m2, updatedAt = :ts ADD messageBytes :delta, rm :add",
		*api.updateIns[1].UpdateExpression)
	values = api.updateIns[1].ExpressionAttributeValues
	assert.Equal(t, "40", values[":delta"].(*types.AttributeValueMemberN).Value)
	assert.Equal(t, []string{add.Encode()}, values[":add"].(*types.AttributeValueMemberSS).Value)

	// No expression may name the window set in more than one action.
	for _, in := range api.updateIns {
		assert.LessOrEqual(t, strings.Count(*in.UpdateExpression, "rm "), 1)
	}
}

func TestPutChunkWriteOnce(t *testing.T) {
	s, api := newTestStore(t)
	c := &chat.Chunk{
		ConvID: "alice_bob",
		ID:     "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		Items:  []chat.Message{{Sender: "alice", Text: "hi", TS: 100}},
	}

	require.NoError(t, s.PutChunk(context.Background(), c))
	require.NotNil(t, api.putIn)
	assert.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *api.putIn.ConditionExpression)
	sk := api.putIn.Item["SK"].(*types.AttributeValueMemberS)
	assert.Equal(t, "CHUNK#"+c.ID, sk.Value)

	api.putErr = &types.ConditionalCheckFailedException{}
	err := s.PutChunk(context.Background(), c)
	assert.ErrorIs(t, err, chat.ErrChunkExists)
}

func TestListChunkIDs(t *testing.T) {
	s, api := newTestStore(t)
	api.queryOut = &dynamodb.QueryOutput{
		Items: []map[string]types.AttributeValue{
			{"SK": &types.AttributeValueMemberS{Value: "CHUNK#02B"}},
			{"SK": &types.AttributeValueMemberS{Value: "CHUNK#01A"}},
		},
	}

	ids, err := s.ListChunkIDs(context.Background(), "alice_bob", "03C", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"02B", "01A"}, ids)

	require.NotNil(t, api.queryIn)
	assert.False(t, *api.queryIn.ScanIndexForward)
	require.NotNil(t, api.queryIn.ExclusiveStartKey)
	sk := api.queryIn.ExclusiveStartKey["SK"].(*types.AttributeValueMemberS)
	assert.Equal(t, "CHUNK#03C", sk.Value)
}

func TestConversationFromItem(t *testing.T) {
	s, api := newTestStore(t)

	m1 := chat.Message{Sender: "alice", Text: "first", TS: 100}
	m2 := chat.Message{Sender: "bob", Text: "second", TS: 200}
	api.getOut = &dynamodb.GetItemOutput{
		Item: map[string]types.AttributeValue{
			"m1":           &types.AttributeValueMemberS{Value: "alice"},
			"m2":           &types.AttributeValueMemberS{Value: "bob"},
			"messageBytes": &types.AttributeValueMemberN{Value: "80"},
			"updatedAt":    &types.AttributeValueMemberN{Value: "200"},
			// Sets come back unordered; reads re-sort by timestamp.
			"rm": &types.AttributeValueMemberSS{Value: []string{m2.Encode(), m1.Encode()}},
		},
	}

	conv, err := s.GetConversation(context.Background(), "alice_bob")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, [2]string{"alice", "bob"}, conv.Members)
	assert.EqualValues(t, 80, conv.MessageBytes)
	assert.Equal(t, []chat.Message{m1, m2}, conv.Recent)
	assert.Equal(t, time.UnixMicro(200).UTC(), conv.UpdatedAt)
}
