package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

const writeTimeout = 3 * time.Second

// Publisher pushes conversation-changed events onto the bus. The document
// write this event describes has already committed; publishing is the
// notification side only.
type Publisher struct {
	w        IKafkaWriter
	maxBytes int
}

func NewPublisher(w IKafkaWriter, maxBytes int) *Publisher {
	return &Publisher{w: w, maxBytes: maxBytes}
}

func (p *Publisher) ConvChanged(ctx context.Context, convID string, members [2]string) error {
	value, err := json.Marshal(&Event{ConvID: convID, Members: members})
	if err != nil {
		return fmt.Errorf("changefeed: marshal event for %s: %v", convID, err)
	}
	if len(value) > p.maxBytes {
		return fmt.Errorf("changefeed: event exceeds max limit: %d bytes", p.maxBytes)
	}

	km := kafka.Message{
		// Key by conversation so one conversation's events stay ordered.
		Key:   []byte(convID),
		Value: value,
	}

	ctx2, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := p.w.WriteMessages(ctx2, km); err != nil {
		return fmt.Errorf("changefeed: write to kafka: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.w.Close()
}
