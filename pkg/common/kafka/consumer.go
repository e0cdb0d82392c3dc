package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/intake/pkg/common/logger"
	"github.com/synaptica-ai/intake/pkg/common/models"
)

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type EventHandler func(ctx context.Context, event models.Event) error

// Consumer reads events from one topic in a consumer group. A message is
// committed once the handler accepts it, or once it has failed MaxAttempts
// times so one poison message cannot stall the group.
type Consumer struct {
	reader      messageReader
	MaxAttempts int
	Backoff     time.Duration
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  time.Second,
	})
	return newConsumer(reader)
}

func newConsumer(r messageReader) *Consumer {
	return &Consumer{reader: r, MaxAttempts: 3, Backoff: time.Second}
}

// Consume runs until ctx ends or the reader fails for good.
func (c *Consumer) Consume(ctx context.Context, handler EventHandler) error {
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.FromContext(ctx).WithError(err).Error("Failed to fetch message")
			if err := sleep(ctx, c.Backoff); err != nil {
				return err
			}
			continue
		}

		log := logger.FromContext(ctx).WithFields(logrus.Fields{
			"topic":     message.Topic,
			"partition": message.Partition,
			"offset":    message.Offset,
		})

		var event models.Event
		if err := json.Unmarshal(message.Value, &event); err != nil {
			log.WithError(err).Error("Skipping undecodable event")
		} else if err := c.handle(ctx, handler, event); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(err).WithField("event_id", event.ID).Error("Giving up on event")
		}

		if err := c.reader.CommitMessages(ctx, message); err != nil {
			log.WithError(err).Error("Failed to commit message")
		}
	}
}

func (c *Consumer) handle(ctx context.Context, handler EventHandler, event models.Event) error {
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = handler(ctx, event); err == nil {
			return nil
		}
		if attempt < attempts {
			if sleepErr := sleep(ctx, time.Duration(attempt)*c.Backoff); sleepErr != nil {
				return sleepErr
			}
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
