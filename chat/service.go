package chat

import (
	"context"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/golang/glog"
)

// MaxTextUnits is the message length ceiling, counted in UTF-16 code units
// to match what client text fields report.
const MaxTextUnits = 200

// Service is the server-side send entry point: it runs the full validation
// chain, appends through the chunk protocol, and republishes the change to
// the live feed. No side effects happen before validation completes.
type Service struct {
	appender  *Appender
	directory UserDirectory
	publisher ChangePublisher
}

func NewService(appender *Appender, directory UserDirectory, publisher ChangePublisher) *Service {
	return &Service{
		appender:  appender,
		directory: directory,
		publisher: publisher,
	}
}

// SendMessage validates and persists one message. Validation order is fixed;
// the first violated rule is the terminal result.
func (s *Service) SendMessage(ctx context.Context, senderID, recipientID, text string) (Message, error) {
	if err := s.validate(ctx, senderID, recipientID, text); err != nil {
		metricSendRejected.WithLabelValues(string(CodeOf(err))).Inc()
		return Message{}, err
	}

	msg, err := s.appender.Append(ctx, senderID, recipientID, text)
	if err != nil {
		return Message{}, err
	}

	// The document write is ground truth; feed delivery is best effort.
	// Subscribers resync from the store on reconnect.
	convID := ConversationID(senderID, recipientID)
	if err := s.publisher.ConvChanged(ctx, convID, MemberPair(senderID, recipientID)); err != nil {
		glog.Errorf("send: publish change for %s: %v", convID, err)
	}
	return msg, nil
}

func (s *Service) validate(ctx context.Context, senderID, recipientID, text string) error {
	if senderID == "" {
		return newError(CodeUnauthenticated, "authentication required")
	}
	if !ValidUserID(recipientID) || text == "" || !utf8.ValidString(text) {
		return newError(CodeInvalidInput, "recipient and text are required")
	}

	exists, err := s.directory.UserExists(ctx, recipientID)
	if err != nil {
		return wrapError(CodeInternal, "lookup recipient", err)
	}
	if !exists {
		return newError(CodeRecipientNotFound, "recipient does not exist")
	}

	if textUnits(text) > MaxTextUnits {
		return newError(CodeMessageTooLong, "message too long")
	}
	return nil
}

// textUnits counts UTF-16 code units: supplementary-plane runes count twice.
func textUnits(s string) int {
	return len(utf16.Encode([]rune(s)))
}
