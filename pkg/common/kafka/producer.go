package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/intake/pkg/common/logger"
	"github.com/synaptica-ai/intake/pkg/common/models"
)

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes intake events to one topic. Events that carry a
// tenant_id are keyed by it so one clinic's events stay ordered.
type Producer struct {
	writer messageWriter
	topic  string
	now    func() time.Time
}

func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}
	return newProducer(writer, topic)
}

func newProducer(w messageWriter, topic string) *Producer {
	return &Producer{writer: w, topic: topic, now: time.Now}
}

func (p *Producer) PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error {
	event := models.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Data:      data,
		Timestamp: p.now().UTC(),
	}
	if reqID := requestID(ctx); reqID != "" {
		event.Metadata = map[string]string{"request_id": reqID}
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(partitionKey(event)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(eventType)},
			{Key: "source", Value: []byte(source)},
		},
	}

	log := logger.FromContext(ctx).WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": eventType,
		"topic":      p.topic,
	})
	if err := p.writer.WriteMessages(ctx, message); err != nil {
		log.WithError(err).Error("Failed to publish event")
		return fmt.Errorf("publish %s to %s: %w", eventType, p.topic, err)
	}
	log.Debug("Event published")
	return nil
}

func partitionKey(event models.Event) string {
	if tenantID, ok := event.Data["tenant_id"].(string); ok && tenantID != "" {
		return tenantID
	}
	return event.ID
}

// requestID reads the id the request logger was stamped with.
func requestID(ctx context.Context) string {
	id, _ := logger.FromContext(ctx).Data["request_id"].(string)
	return id
}

func (p *Producer) Topic() string {
	return p.topic
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
