package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	exists map[string]bool
	err    error
}

func (d *fakeDirectory) UserExists(_ context.Context, uid string) (bool, error) {
	return d.exists[uid], d.err
}

type fakePublisher struct {
	err   error
	calls int
}

func (p *fakePublisher) ConvChanged(context.Context, string, [2]string) error {
	p.calls++
	return p.err
}

func newTestService(fs *fakeStore, dir *fakeDirectory, pub *fakePublisher) *Service {
	a := NewAppender(fs, EstimatorV1{}, DocLimitBytes, DefaultRolloverPct)
	return NewService(a, dir, pub)
}

func TestSendValidationOrder(t *testing.T) {
	fs := newFakeStore()
	dir := &fakeDirectory{exists: map[string]bool{"bob": true}}
	svc := newTestService(fs, dir, &fakePublisher{})
	ctx := context.Background()

	longText := strings.Repeat("a", MaxTextUnits+1)

	// Missing auth wins over every later rule.
	_, err := svc.SendMessage(ctx, "", "no_such", longText)
	assert.Equal(t, CodeUnauthenticated, CodeOf(err))

	// Malformed recipient, empty text and broken encoding are input errors.
	_, err = svc.SendMessage(ctx, "alice", "a_b", "hi")
	assert.Equal(t, CodeInvalidInput, CodeOf(err))
	_, err = svc.SendMessage(ctx, "alice", "bob", "")
	assert.Equal(t, CodeInvalidInput, CodeOf(err))
	_, err = svc.SendMessage(ctx, "alice", "bob", string([]byte{0xff, 0xfe}))
	assert.Equal(t, CodeInvalidInput, CodeOf(err))

	// Unknown recipient is checked before the length cap.
	_, err = svc.SendMessage(ctx, "alice", "carol", longText)
	assert.Equal(t, CodeRecipientNotFound, CodeOf(err))

	_, err = svc.SendMessage(ctx, "alice", "bob", longText)
	assert.Equal(t, CodeMessageTooLong, CodeOf(err))

	// No side effects from any rejection.
	conv, gerr := fs.GetConversation(ctx, "alice_bob")
	require.NoError(t, gerr)
	assert.Nil(t, conv)
}

func TestSendTextLimit(t *testing.T) {
	fs := newFakeStore()
	dir := &fakeDirectory{exists: map[string]bool{"bob": true}}
	svc := newTestService(fs, dir, &fakePublisher{})
	ctx := context.Background()

	// Exactly at the cap passes.
	_, err := svc.SendMessage(ctx, "alice", "bob", strings.Repeat("a", MaxTextUnits))
	assert.NoError(t, err)

	// A supplementary-plane rune counts as two units: 199 ascii plus one
	// brings the total to 201.
	_, err = svc.SendMessage(ctx, "alice", "bob", strings.Repeat("a", 199)+"😀")
	assert.Equal(t, CodeMessageTooLong, CodeOf(err))

	// The same rune at 198 fits.
	_, err = svc.SendMessage(ctx, "alice", "bob", strings.Repeat("a", 198)+"😀")
	assert.NoError(t, err)
}

func TestSendPublishBestEffort(t *testing.T) {
	fs := newFakeStore()
	dir := &fakeDirectory{exists: map[string]bool{"bob": true}}
	pub := &fakePublisher{err: errors.New("bus down")}
	svc := newTestService(fs, dir, pub)
	ctx := context.Background()

	// The append is ground truth; a failed feed publish never fails the send.
	msg, err := svc.SendMessage(ctx, "alice", "bob", "hi")
	require.NoError(t, err)
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, 1, pub.calls)

	conv, gerr := fs.GetConversation(ctx, "alice_bob")
	require.NoError(t, gerr)
	require.NotNil(t, conv)
	assert.Equal(t, []Message{msg}, conv.Recent)
}

func TestSendDirectoryError(t *testing.T) {
	fs := newFakeStore()
	dir := &fakeDirectory{err: errors.New("auth svc down")}
	svc := newTestService(fs, dir, &fakePublisher{})

	_, err := svc.SendMessage(context.Background(), "alice", "bob", "hi")
	assert.Equal(t, CodeInternal, CodeOf(err))
}
