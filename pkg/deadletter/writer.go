package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/intake/pkg/common/logger"
	"github.com/synaptica-ai/intake/pkg/common/models"
	"gorm.io/gorm"
)

type Writer interface {
	Enqueue(ctx context.Context, e *Entry) error
}

var ErrNotFound = errors.New("dead letter not found")

// Repository is the durable dead-letter store.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&Entry{})
}

func (r *Repository) Enqueue(ctx context.Context, e *Entry) error {
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *Repository) Pending(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []Entry
	err := r.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Entry, error) {
	var e Entry
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

func (r *Repository) MarkReplayed(ctx context.Context, id uuid.UUID) error {
	return r.mark(ctx, id, StatusReplayed, "")
}

func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return r.mark(ctx, id, StatusFailed, reason)
}

func (r *Repository) mark(ctx context.Context, id uuid.UUID, status, lastError string) error {
	return r.db.WithContext(ctx).Model(&Entry{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     status,
		"last_error": lastError,
		"attempts":   gorm.Expr("attempts + 1"),
		"updated_at": time.Now().UTC(),
	}).Error
}

type Publisher interface {
	PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error
}

const EventType = "intake.dead_letter"

// KafkaWriter mirrors entries to the DLQ topic when the database write fails.
type KafkaWriter struct {
	producer Publisher
}

func NewKafkaWriter(producer Publisher) *KafkaWriter {
	return &KafkaWriter{producer: producer}
}

func (w *KafkaWriter) Enqueue(ctx context.Context, e *Entry) error {
	return w.producer.PublishEvent(ctx, EventType, "intake-service", map[string]interface{}{
		"id":            e.ID.String(),
		"source":        e.Source,
		"submission_id": e.SubmissionID,
		"tenant_id":     e.TenantID,
		"request_id":    e.RequestID,
		"payload":       e.Payload,
		"reason":        e.Reason,
		"authenticated": e.Authenticated,
		"created_at":    e.CreatedAt.Format(time.RFC3339Nano),
	})
}

// EntryFromEvent decodes an entry published by KafkaWriter.
func EntryFromEvent(event models.Event) (Entry, error) {
	if event.Type != EventType {
		return Entry{}, fmt.Errorf("unexpected event type %q", event.Type)
	}
	str := func(k string) string {
		s, _ := event.Data[k].(string)
		return s
	}
	payload := str("payload")
	if payload == "" {
		return Entry{}, errors.New("dead letter event has no payload")
	}
	authenticated, _ := event.Data["authenticated"].(bool)
	id, err := uuid.Parse(str("id"))
	if err != nil {
		id = uuid.New()
	}
	created, _ := time.Parse(time.RFC3339Nano, str("created_at"))
	return Entry{
		ID:            id,
		Source:        str("source"),
		SubmissionID:  str("submission_id"),
		TenantID:      str("tenant_id"),
		RequestID:     str("request_id"),
		Payload:       payload,
		Reason:        str("reason"),
		Status:        StatusPending,
		Authenticated: authenticated,
		CreatedAt:     created,
	}, nil
}

type Redactor interface {
	Redact(text string) string
}

// Queue writes to the primary store and falls back to the mirror.
type Queue struct {
	primary  Writer
	mirror   Writer
	redactor Redactor
}

func NewQueue(primary, mirror Writer, redactor Redactor) *Queue {
	return &Queue{primary: primary, mirror: mirror, redactor: redactor}
}

// Enqueue reports whether any store accepted the entry.
func (q *Queue) Enqueue(ctx context.Context, e *Entry) bool {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	e.Status = StatusPending
	if q.redactor != nil {
		e.Reason = q.redactor.Redact(e.Reason)
	}

	log := logger.FromContext(ctx).WithFields(logrus.Fields{
		"dead_letter_id": e.ID.String(),
		"source":         e.Source,
		"submission_id":  e.SubmissionID,
	})
	if q.primary != nil {
		err := q.primary.Enqueue(ctx, e)
		if err == nil {
			log.Warn("submission dead-lettered")
			return true
		}
		log.WithError(err).Error("dead-letter store write failed")
	}
	if q.mirror != nil {
		err := q.mirror.Enqueue(ctx, e)
		if err == nil {
			log.Warn("submission dead-lettered to mirror topic")
			return true
		}
		log.WithError(err).Error("dead-letter mirror write failed")
	}
	return false
}
