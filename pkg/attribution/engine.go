package attribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/intake/pkg/common/models"
	"github.com/synaptica-ai/intake/pkg/tenant"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Engine interface {
	Attribute(ctx context.Context, patientID uuid.UUID, c *models.CanonicalIntake) (*models.AttributionResult, error)
}

// GormEngine resolves referral attribution in three tiers: an explicit code
// that names a known affiliate, an unknown code kept as a tag, or a recent
// tracked touch matching the submission's contact.
type GormEngine struct {
	db     *gorm.DB
	window time.Duration
	now    func() time.Time
}

func NewGormEngine(db *gorm.DB, window time.Duration) *GormEngine {
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	return &GormEngine{db: db, window: window, now: time.Now}
}

func (e *GormEngine) AutoMigrate() error {
	return e.db.AutoMigrate(&Affiliate{}, &Attribution{}, &ReferralTouch{})
}

// Attribute returns nil when nothing attributes the submission.
func (e *GormEngine) Attribute(ctx context.Context, patientID uuid.UUID, c *models.CanonicalIntake) (*models.AttributionResult, error) {
	tenantID, err := tenant.IDFrom(ctx)
	if err != nil {
		return nil, err
	}

	var (
		result      *models.AttributionResult
		affiliateID *uuid.UUID
	)
	if code := NormalizeCode(c.ReferralCode); code != "" {
		aff, err := e.findAffiliate(ctx, tenantID, code)
		switch {
		case err == nil:
			affiliateID = &aff.ID
			result = &models.AttributionResult{Code: code, AffiliateID: aff.ID.String(), Tier: models.TierExplicit}
		case errors.Is(err, gorm.ErrRecordNotFound):
			result = &models.AttributionResult{Code: code, Tier: models.TierTagOnly}
		default:
			return nil, fmt.Errorf("affiliate lookup: %w", err)
		}
	} else {
		touch, err := e.recentTouch(ctx, tenantID, c)
		if err != nil {
			return nil, err
		}
		if touch == nil {
			return nil, nil
		}
		affiliateID = &touch.AffiliateID
		result = &models.AttributionResult{Code: touch.Code, AffiliateID: touch.AffiliateID.String(), Tier: models.TierInferred}
	}

	row := Attribution{
		ID:           uuid.New(),
		TenantID:     tenantID,
		SubmissionID: c.SubmissionID,
		PatientID:    patientID,
		AffiliateID:  affiliateID,
		Code:         result.Code,
		Tier:         result.Tier,
		CreatedAt:    e.now().UTC(),
	}
	if err := e.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("record attribution: %w", err)
	}
	return result, nil
}

func (e *GormEngine) findAffiliate(ctx context.Context, tenantID uuid.UUID, code string) (Affiliate, error) {
	var aff Affiliate
	err := e.db.WithContext(ctx).
		Where("tenant_id = ? AND code = ? AND active = ?", tenantID, code, true).
		First(&aff).Error
	return aff, err
}

func (e *GormEngine) recentTouch(ctx context.Context, tenantID uuid.UUID, c *models.CanonicalIntake) (*ReferralTouch, error) {
	emailHash, phoneHash := HashEmail(c.Email), HashPhone(c.Phone)
	if emailHash == "" && phoneHash == "" {
		return nil, nil
	}
	q := e.db.WithContext(ctx).
		Where("tenant_id = ? AND touched_at >= ?", tenantID, e.now().Add(-e.window).UTC())
	switch {
	case emailHash != "" && phoneHash != "":
		q = q.Where("email_hash = ? OR phone_hash = ?", emailHash, phoneHash)
	case emailHash != "":
		q = q.Where("email_hash = ?", emailHash)
	default:
		q = q.Where("phone_hash = ?", phoneHash)
	}
	var touch ReferralTouch
	err := q.Order("touched_at DESC").First(&touch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("referral touch lookup: %w", err)
	}
	return &touch, nil
}

func (e *GormEngine) CreateAffiliate(ctx context.Context, code, name string) (Affiliate, error) {
	tenantID, err := tenant.IDFrom(ctx)
	if err != nil {
		return Affiliate{}, err
	}
	aff := Affiliate{ID: uuid.New(), TenantID: tenantID, Code: NormalizeCode(code), Name: name, Active: true, CreatedAt: e.now().UTC()}
	return aff, e.db.WithContext(ctx).Create(&aff).Error
}

// RecordTouch stores a tracked affiliate visit for later inference.
func (e *GormEngine) RecordTouch(ctx context.Context, affiliate Affiliate, email, phone string, at time.Time) error {
	tenantID, err := tenant.IDFrom(ctx)
	if err != nil {
		return err
	}
	touch := ReferralTouch{
		ID:          uuid.New(),
		TenantID:    tenantID,
		AffiliateID: affiliate.ID,
		Code:        affiliate.Code,
		EmailHash:   HashEmail(email),
		PhoneHash:   HashPhone(phone),
		TouchedAt:   at.UTC(),
	}
	return e.db.WithContext(ctx).Create(&touch).Error
}
