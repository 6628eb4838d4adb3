package changefeed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"
)

const (
	BackoffMinInterval = 1 * time.Second
	BackoffMaxInterval = 60 * time.Second
	BackoffMultiplier  = 1.5
)

// Consumer pumps conversation-changed events from the bus into a sink.
// Commit happens after dispatch, so a crash replays events rather than
// dropping them.
type Consumer struct {
	reader   IKafkaReader
	sink     Sink
	maxBytes int
	wg       sync.WaitGroup
}

func NewConsumer(reader IKafkaReader, sink Sink, maxBytes int) *Consumer {
	return &Consumer{
		reader:   reader,
		sink:     sink,
		maxBytes: maxBytes,
	}
}

// Run consumes until ctx is cancelled. It may block at reading kafka.
func (c *Consumer) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	glog.Info("changefeed: consumer starting")

	go c.consumeLoop(ctx)

	<-ctx.Done()

	glog.Info("changefeed: consumer stopping")
	_ = c.reader.Close()

	c.wg.Wait()
	glog.Info("changefeed: consumer stopped")
	stopDoneNotifyC <- struct{}{}
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	glog.Info("changefeed: consume loop enter")
	c.wg.Add(1)

	defer func() {
		glog.Info("changefeed: consume loop exited")
		c.wg.Done()
	}()

	var sleep time.Duration

	for {
		glog.V(5).Info("changefeed: fetching message ...")
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			glog.Errorf("changefeed: fetch from kafka err: %v", err)
			if err == context.Canceled {
				return
			}
			backoff(&sleep)
			select {
			case <-time.After(sleep):
				continue
			case <-ctx.Done():
				return
			}
		}
		sleep = 0

		// Skip bad values: the bus only carries notifications, the store
		// holds the truth.
		if e := c.decode(&msg); e != nil {
			c.sink.ConvChanged(ctx, e)
		}

		for {
			if err := c.reader.CommitMessages(ctx, msg); err == nil {
				sleep = 0
				break
			} else {
				// Uncommitted messages are refetched; the sink tolerates
				// duplicate notifications.
				glog.Errorf("changefeed: commit to kafka err: %v", err)
				if err == context.Canceled {
					return
				}
				backoff(&sleep)
				select {
				case <-time.After(sleep):
					continue
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (c *Consumer) decode(msg *kafka.Message) *Event {
	if len(msg.Value) > c.maxBytes {
		glog.Errorf("changefeed: kafka value out of limit, offset: %d", msg.Offset)
		return nil
	}
	var e Event
	if err := json.Unmarshal(msg.Value, &e); err != nil {
		glog.Errorf("changefeed: failed to unmarshal kafka value: `%s`, error: %v", msg.Value, err)
		return nil
	}
	if e.ConvID == "" {
		glog.Errorf("changefeed: event without conversation id, offset: %d", msg.Offset)
		return nil
	}
	return &e
}

func backoff(d *time.Duration) {
	if *d == 0 {
		*d = BackoffMinInterval
	} else {
		*d = time.Duration(float64(*d) * BackoffMultiplier)
		if *d > BackoffMaxInterval {
			*d = BackoffMaxInterval
		}
	}
}
