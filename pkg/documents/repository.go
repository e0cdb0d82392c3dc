package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/intake/pkg/common/models"
	"github.com/synaptica-ai/intake/pkg/phi"
	"github.com/synaptica-ai/intake/pkg/tenant"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	StatusStored       = "stored"
	StatusRenderFailed = "render_failed"
	StatusUploadFailed = "upload_failed"
)

// Record is the structured intake document, one per tenant and submission.
// Location is empty when rendering or upload failed. Sections holds patient
// answers and is only persisted sealed.
type Record struct {
	ID             uuid.UUID        `gorm:"type:uuid;primaryKey"`
	TenantID       uuid.UUID        `gorm:"type:uuid;not null;uniqueIndex:idx_documents_tenant_submission,priority:1"`
	SubmissionID   string           `gorm:"not null;uniqueIndex:idx_documents_tenant_submission,priority:2"`
	PatientID      uuid.UUID        `gorm:"type:uuid;index"`
	Source         string
	Location       string
	Status         string
	Complete       bool
	Sections       []models.Section `gorm:"-"`
	SealedSections string           `gorm:"column:sections;type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (Record) TableName() string {
	return "documents"
}

type Repository struct {
	db     *gorm.DB
	cipher phi.Cipher
}

func NewRepository(db *gorm.DB, cipher phi.Cipher) *Repository {
	return &Repository{db: db, cipher: cipher}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&Record{})
}

// Upsert writes the record for (tenant, submission); redelivery overwrites it.
// On return rec carries the id of the stored row, which is the first writer's
// id when the row already existed.
func (r *Repository) Upsert(ctx context.Context, rec *Record) error {
	tenantID, err := tenant.IDFrom(ctx)
	if err != nil {
		return err
	}
	sealed, err := r.seal(rec.Sections)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.TenantID = tenantID
	rec.SealedSections = sealed
	rec.CreatedAt, rec.UpdatedAt = now, now
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "submission_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"patient_id", "source", "location", "status", "complete", "sections", "updated_at"}),
	}).Create(rec).Error
	if err != nil {
		return err
	}

	var stored Record
	err = r.db.WithContext(ctx).
		Select("id", "created_at").
		Where("tenant_id = ? AND submission_id = ?", tenantID, rec.SubmissionID).
		First(&stored).Error
	if err != nil {
		return fmt.Errorf("reload document record: %w", err)
	}
	rec.ID, rec.CreatedAt = stored.ID, stored.CreatedAt
	return nil
}

func (r *Repository) FindBySubmission(ctx context.Context, submissionID string) (Record, error) {
	tenantID, err := tenant.IDFrom(ctx)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	err = r.db.WithContext(ctx).Where("tenant_id = ? AND submission_id = ?", tenantID, submissionID).First(&rec).Error
	if err != nil {
		return rec, err
	}
	rec.Sections, err = r.open(rec.SealedSections)
	return rec, err
}

func (r *Repository) seal(sections []models.Section) (string, error) {
	if len(sections) == 0 {
		return "", nil
	}
	if r.cipher == nil {
		return "", errors.New("document sections: no cipher configured")
	}
	data, err := json.Marshal(sections)
	if err != nil {
		return "", err
	}
	return r.cipher.Encrypt(string(data))
}

func (r *Repository) open(sealed string) ([]models.Section, error) {
	if sealed == "" || r.cipher == nil {
		return nil, nil
	}
	var sections []models.Section
	if err := json.Unmarshal([]byte(r.cipher.Decrypt(sealed)), &sections); err != nil {
		return nil, fmt.Errorf("open document sections: %w", err)
	}
	return sections, nil
}
