package attribution

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/intake/pkg/common/models"
)

type Affiliate struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_affiliates_tenant_code,priority:1"`
	Code      string    `gorm:"not null;uniqueIndex:idx_affiliates_tenant_code,priority:2"`
	Name      string
	Active    bool
	CreatedAt time.Time
}

func (Affiliate) TableName() string {
	return "affiliates"
}

// Attribution records the referral outcome of one submission.
type Attribution struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey"`
	TenantID     uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_attributions_tenant_submission,priority:1"`
	SubmissionID string     `gorm:"not null;uniqueIndex:idx_attributions_tenant_submission,priority:2"`
	PatientID    uuid.UUID  `gorm:"type:uuid;index"`
	AffiliateID  *uuid.UUID `gorm:"type:uuid;index"`
	Code         string
	Tier         string
	CreatedAt    time.Time
}

func (Attribution) TableName() string {
	return "attributions"
}

// ReferralTouch is a tracked visit from an affiliate link, keyed by hashed
// contact so no plaintext PHI is stored.
type ReferralTouch struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID    uuid.UUID `gorm:"type:uuid;not null;index:idx_touches_tenant_email,priority:1;index:idx_touches_tenant_phone,priority:1"`
	AffiliateID uuid.UUID `gorm:"type:uuid"`
	Code        string
	EmailHash   string    `gorm:"index:idx_touches_tenant_email,priority:2"`
	PhoneHash   string    `gorm:"index:idx_touches_tenant_phone,priority:2"`
	TouchedAt   time.Time `gorm:"index"`
}

func (ReferralTouch) TableName() string {
	return "referral_touches"
}

func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// HashEmail and HashPhone return "" for placeholders so they never join.
func HashEmail(email string) string {
	if models.IsPlaceholderEmail(email) {
		return ""
	}
	return hash(strings.ToLower(strings.TrimSpace(email)))
}

func HashPhone(phone string) string {
	if models.IsPlaceholderPhone(phone) {
		return ""
	}
	return hash(strings.TrimSpace(phone))
}

func hash(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}
