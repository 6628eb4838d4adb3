// Package dynamostore implements the conversation/chunk store on DynamoDB.
// Conversation mutations are UpdateItem calls built from commutative
// primitives: ADD for the byte counter and for string-set union of the
// recent window, DELETE for targeted set removal. Two concurrent appends to
// the same conversation therefore compose; neither overwrites the other's
// message or counter delta. An UpdateExpression cannot name the same
// attribute in two actions, so a merge that both evicts from and appends to
// the window is applied as two UpdateItem calls, eviction first.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"duochat/chat"
)

const (
	skMeta        = "META#"
	skPrefixChunk = "CHUNK#"

	indexMemberA = "gsi-m1"
	indexMemberB = "gsi-m2"
)

// dynamodbAPI is the minimal DynamoDB interface required by Store.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Store implements chat.IConvStore on one DynamoDB table: conversation
// documents under (CONV#id, META#), chunks under (CONV#id, CHUNK#ulid),
// with two member GSIs keyed on (member, updatedAt).
type Store struct {
	api       dynamodbAPI
	tableName string
}

func New(api dynamodbAPI, tableName string) (*Store, error) {
	if api == nil {
		return nil, errors.New("dynamostore: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("dynamostore: table name must not be empty")
	}
	return &Store{api: api, tableName: tableName}, nil
}

func convPK(convID string) string {
	return "CONV#" + convID
}

func chunkSK(chunkID string) string {
	return skPrefixChunk + chunkID
}

func (s *Store) GetConversation(ctx context.Context, id string) (*chat.Conversation, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(id)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamostore: GetConversation %s: %w", id, err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	conv, err := itemToConversation(id, out.Item)
	if err != nil {
		return nil, fmt.Errorf("dynamostore: GetConversation %s: %w", id, err)
	}
	return conv, nil
}

func (s *Store) MergeConversation(ctx context.Context, id string, m *chat.AppendMerge) error {
	// Eviction goes in its own UpdateItem: an UpdateExpression rejects "rm"
	// appearing in both an ADD and a DELETE action. Eviction runs first, so
	// a failure before the append leaves the evicted messages in their chunk
	// and the counter decremented; the append retries cleanly.
	if len(m.Remove) > 0 {
		del := make([]string, 0, len(m.Remove))
		for _, msg := range m.Remove {
			del = append(del, msg.Encode())
		}
		err := s.updateConversation(ctx, id, "ADD messageBytes :delta DELETE rm :del", map[string]types.AttributeValue{
			":delta": &types.AttributeValueMemberN{Value: strconv.FormatInt(-m.RemoveBytes, 10)},
			":del":   &types.AttributeValueMemberSS{Value: del},
		})
		if err != nil {
			return fmt.Errorf("dynamostore: MergeConversation %s: evict: %w", id, err)
		}
	}

	expr := "SET m1 = :m1, m2 = :m2, updatedAt = :ts ADD messageBytes :delta"
	values := map[string]types.AttributeValue{
		":m1":    &types.AttributeValueMemberS{Value: m.Members[0]},
		":m2":    &types.AttributeValueMemberS{Value: m.Members[1]},
		":ts":    &types.AttributeValueMemberN{Value: strconv.FormatInt(m.UpdatedAt.UnixMicro(), 10)},
		":delta": &types.AttributeValueMemberN{Value: strconv.FormatInt(m.AppendBytes, 10)},
	}
	if m.Append != nil {
		expr += ", rm :add"
		values[":add"] = &types.AttributeValueMemberSS{Value: []string{m.Append.Encode()}}
	}
	if err := s.updateConversation(ctx, id, expr, values); err != nil {
		return fmt.Errorf("dynamostore: MergeConversation %s: %w", id, err)
	}
	return nil
}

func (s *Store) updateConversation(ctx context.Context, id, expr string, values map[string]types.AttributeValue) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(id)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeValues: values,
	})
	return err
}

func (s *Store) PutChunk(ctx context.Context, c *chat.Chunk) error {
	items := make([]types.AttributeValue, 0, len(c.Items))
	for _, msg := range c.Items {
		items = append(items, &types.AttributeValueMemberS{Value: msg.Encode()})
	}

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"PK":    &types.AttributeValueMemberS{Value: convPK(c.ConvID)},
			"SK":    &types.AttributeValueMemberS{Value: chunkSK(c.ID)},
			"items": &types.AttributeValueMemberL{Value: items},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return chat.ErrChunkExists
		}
		return fmt.Errorf("dynamostore: PutChunk %s/%s: %w", c.ConvID, c.ID, err)
	}
	return nil
}

func (s *Store) GetChunk(ctx context.Context, convID, chunkID string) (*chat.Chunk, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(convID)},
			"SK": &types.AttributeValueMemberS{Value: chunkSK(chunkID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dynamostore: GetChunk %s/%s: %w", convID, chunkID, err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, fmt.Errorf("dynamostore: chunk %s/%s not found", convID, chunkID)
	}

	list, ok := out.Item["items"].(*types.AttributeValueMemberL)
	if !ok {
		return nil, fmt.Errorf("dynamostore: chunk %s/%s: items is not a list", convID, chunkID)
	}
	msgs := make([]chat.Message, 0, len(list.Value))
	for _, av := range list.Value {
		sv, ok := av.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("dynamostore: chunk %s/%s: item is not a string", convID, chunkID)
		}
		msg, err := chat.DecodeMessage(sv.Value)
		if err != nil {
			return nil, fmt.Errorf("dynamostore: GetChunk %s/%s: %w", convID, chunkID, err)
		}
		msgs = append(msgs, msg)
	}
	return &chat.Chunk{ConvID: convID, ID: chunkID, Items: msgs}, nil
}

func (s *Store) ListChunkIDs(ctx context.Context, convID, beforeID string, limit int) ([]string, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(convID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixChunk},
		},
		ProjectionExpression: aws.String("SK"),
		// Newest first: chunk ids sort by creation time.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}
	if beforeID != "" {
		in.ExclusiveStartKey = map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(convID)},
			"SK": &types.AttributeValueMemberS{Value: chunkSK(beforeID)},
		}
	}

	out, err := s.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("dynamostore: ListChunkIDs %s: %w", convID, err)
	}

	ids := make([]string, 0, len(out.Items))
	for _, item := range out.Items {
		sk, ok := item["SK"].(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("dynamostore: ListChunkIDs %s: SK is not a string", convID)
		}
		ids = append(ids, strings.TrimPrefix(sk.Value, skPrefixChunk))
	}
	return ids, nil
}

func (s *Store) ListConversations(ctx context.Context, member string, before time.Time, limit int) ([]*chat.Conversation, error) {
	var out []*chat.Conversation
	// A member appears in exactly one of the two sorted-pair slots, so query
	// both member indexes and merge.
	for _, q := range []struct{ index, key string }{
		{indexMemberA, "m1"},
		{indexMemberB, "m2"},
	} {
		convs, err := s.queryMemberIndex(ctx, q.index, q.key, member, before, limit)
		if err != nil {
			return nil, err
		}
		out = append(out, convs...)
	}

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

func (s *Store) queryMemberIndex(ctx context.Context, index, keyAttr, member string, before time.Time, limit int) ([]*chat.Conversation, error) {
	cond := fmt.Sprintf("%s = :member", keyAttr)
	values := map[string]types.AttributeValue{
		":member": &types.AttributeValueMemberS{Value: member},
	}
	if !before.IsZero() {
		cond += " AND updatedAt < :before"
		values[":before"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(before.UnixMicro(), 10)}
	}

	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		IndexName:                 aws.String(index),
		KeyConditionExpression:    aws.String(cond),
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(false),
		Limit:                     aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamostore: query %s for %s: %w", index, member, err)
	}

	convs := make([]*chat.Conversation, 0, len(out.Items))
	for _, item := range out.Items {
		pk, ok := item["PK"].(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("dynamostore: query %s: PK is not a string", index)
		}
		conv, err := itemToConversation(strings.TrimPrefix(pk.Value, "CONV#"), item)
		if err != nil {
			return nil, fmt.Errorf("dynamostore: query %s: %w", index, err)
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

func itemToConversation(id string, item map[string]types.AttributeValue) (*chat.Conversation, error) {
	conv := &chat.Conversation{ID: id}

	for i, attr := range []string{"m1", "m2"} {
		v, ok := item[attr].(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("attribute %q is not a string", attr)
		}
		conv.Members[i] = v.Value
	}

	if v, ok := item["messageBytes"].(*types.AttributeValueMemberN); ok {
		n, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse messageBytes: %w", err)
		}
		conv.MessageBytes = n
	}
	if v, ok := item["updatedAt"].(*types.AttributeValueMemberN); ok {
		n, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse updatedAt: %w", err)
		}
		conv.UpdatedAt = time.UnixMicro(n).UTC()
	}

	// The window is stored as a string set; order is recovered by sort.
	if v, ok := item["rm"].(*types.AttributeValueMemberSS); ok {
		for _, raw := range v.Value {
			msg, err := chat.DecodeMessage(raw)
			if err != nil {
				return nil, err
			}
			conv.Recent = append(conv.Recent, msg)
		}
		chat.SortMessages(conv.Recent)
	}
	return conv, nil
}
