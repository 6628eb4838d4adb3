package changefeed

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// Event is one conversation-changed notification on the bus. Delivery is
// at-least-once; consumers fetch the current document, so replays are
// harmless.
type Event struct {
	ConvID  string    `json:"convId"`
	Members [2]string `json:"members"`
}

type IKafkaReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Sink receives decoded events from the consumer loop.
type Sink interface {
	ConvChanged(ctx context.Context, e *Event)
}
