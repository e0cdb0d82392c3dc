package tenant

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clinic is the isolation boundary every intake write is scoped to.
type Clinic struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string
	Subdomain string `gorm:"uniqueIndex"`
	// WebhookCredential is stored encrypted.
	WebhookCredential string
	WebhookTokenHash  string `gorm:"index"`
	Active            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (Clinic) TableName() string {
	return "clinics"
}

// HashToken is the lookup key for a presented webhook token. Clinics are
// found by this hash because the stored credential is ciphertext.
func HashToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
