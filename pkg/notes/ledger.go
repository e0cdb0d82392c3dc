package notes

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/intake/pkg/common/logger"
	"github.com/synaptica-ai/intake/pkg/tenant"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Record marks that a note exists for a submission; one per tenant and submission.
type Record struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_notes_tenant_submission,priority:1"`
	SubmissionID string    `gorm:"not null;uniqueIndex:idx_notes_tenant_submission,priority:2"`
	PatientID    uuid.UUID `gorm:"type:uuid;index"`
	NoteID       string    `gorm:"not null"`
	CreatedAt    time.Time
}

func (Record) TableName() string {
	return "clinical_notes"
}

type Ledger interface {
	Find(ctx context.Context, submissionID string) (*Record, error)
	Save(ctx context.Context, rec *Record) error
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&Record{})
}

// Find returns nil, nil when no note was recorded for the submission.
func (r *Repository) Find(ctx context.Context, submissionID string) (*Record, error) {
	tenantID, err := tenant.IDFrom(ctx)
	if err != nil {
		return nil, err
	}
	var rec Record
	err = r.db.WithContext(ctx).
		Where("tenant_id = ? AND submission_id = ?", tenantID, submissionID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Repository) Save(ctx context.Context, rec *Record) error {
	tenantID, err := tenant.IDFrom(ctx)
	if err != nil {
		return err
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.TenantID = tenantID
	rec.CreatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec).Error
}

// Service generates at most one note per submission id.
type Service struct {
	generator Generator
	ledger    Ledger
}

func NewService(generator Generator, ledger Ledger) *Service {
	return &Service{generator: generator, ledger: ledger}
}

// Ensure returns the note id for the submission, generating it on first call.
// created is false when an earlier delivery already produced the note.
func (s *Service) Ensure(ctx context.Context, patientID uuid.UUID, documentID, submissionID, source string) (string, bool, error) {
	existing, err := s.ledger.Find(ctx, submissionID)
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		return existing.NoteID, false, nil
	}

	noteID, err := s.generator.Generate(ctx, Request{
		PatientID:    patientID.String(),
		DocumentID:   documentID,
		SubmissionID: submissionID,
		Source:       source,
	})
	if err != nil {
		return "", false, err
	}

	if err := s.ledger.Save(ctx, &Record{SubmissionID: submissionID, PatientID: patientID, NoteID: noteID}); err != nil {
		// The note exists upstream; a later delivery may generate a second one.
		logger.FromContext(ctx).WithError(err).WithField("submission_id", submissionID).Warn("Failed to record clinical note")
		return noteID, true, nil
	}
	return noteID, true, nil
}
