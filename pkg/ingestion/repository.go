package ingestion

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/intake/pkg/common/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("unmatched submission not found")

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&UnmatchedSubmission{})
}

func (r *Repository) SaveUnmatched(ctx context.Context, rec *UnmatchedSubmission) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.CreatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec).Error
}

// GetUnmatched finds one parked submission. A nil tenantID selects rows no
// clinic was resolved for.
func (r *Repository) GetUnmatched(ctx context.Context, tenantID *uuid.UUID, source, submissionID string) (*UnmatchedSubmission, error) {
	var rec UnmatchedSubmission
	q := r.db.WithContext(ctx).Where("source = ? AND submission_id = ?", source, submissionID)
	if tenantID == nil {
		q = q.Where("tenant_id IS NULL")
	} else {
		q = q.Where("tenant_id = ?", *tenantID)
	}
	result := q.First(&rec)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &rec, result.Error
}

// CleanupUnmatched removes unmatched submissions older than ttl and reports
// how many rows went.
func (r *Repository) CleanupUnmatched(ctx context.Context, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-ttl)
	result := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&UnmatchedSubmission{})
	return result.RowsAffected, result.Error
}

// SweepUnmatched runs CleanupUnmatched every interval until ctx ends.
func (r *Repository) SweepUnmatched(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.CleanupUnmatched(ctx, ttl)
			if err != nil {
				logger.FromContext(ctx).WithError(err).Warn("unmatched retention sweep failed")
				continue
			}
			if n > 0 {
				logger.FromContext(ctx).WithField("deleted", n).Info("expired unmatched submissions removed")
			}
		}
	}
}
