package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ActionProcessed = "intake.processed"
	ActionUnmatched = "intake.unmatched"
	ActionReplayed  = "intake.replayed"
)

// Step names recorded in Event.Steps.
const (
	StepPatient     = "patient"
	StepRender      = "render"
	StepUpload      = "upload"
	StepDocument    = "document"
	StepNote        = "note"
	StepAttribution = "attribution"
)

type Event struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey"`
	TenantID     *uuid.UUID `gorm:"type:uuid;index"`
	PatientID    *uuid.UUID `gorm:"type:uuid;index"`
	SubmissionID string     `gorm:"index"`
	RequestID    string
	Source       string
	Action       string `gorm:"not null"`
	Steps        datatypes.JSONType[map[string]bool]
	Warnings     datatypes.JSONType[[]string]
	CreatedAt    time.Time
}

func (Event) TableName() string {
	return "audit_events"
}

type Writer interface {
	Write(ctx context.Context, e *Event) error
}

type Redactor interface {
	Redact(text string) string
}

// GormWriter appends audit events. Warning text is redacted before it is stored.
type GormWriter struct {
	db       *gorm.DB
	redactor Redactor
}

func NewGormWriter(db *gorm.DB, redactor Redactor) *GormWriter {
	return &GormWriter{db: db, redactor: redactor}
}

func (w *GormWriter) AutoMigrate() error {
	return w.db.AutoMigrate(&Event{})
}

func (w *GormWriter) Write(ctx context.Context, e *Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if w.redactor != nil {
		warnings := e.Warnings.Data()
		redacted := make([]string, len(warnings))
		for i, msg := range warnings {
			redacted[i] = w.redactor.Redact(msg)
		}
		e.Warnings = datatypes.NewJSONType(redacted)
	}
	return w.db.WithContext(ctx).Create(e).Error
}

// ForTenant lists a tenant's events, newest first.
func (w *GormWriter) ForTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []Event
	err := w.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
