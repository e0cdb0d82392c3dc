package deadletter

import (
	"time"

	"github.com/google/uuid"
)

const (
	StatusPending  = "pending"
	StatusReplayed = "replayed"
	StatusFailed   = "failed"
)

// Entry is a delivery that failed transiently and awaits replay. Payload is
// sealed with the PHI cipher and Reason is redacted before either is stored.
// Authenticated records that the credential was verified before queueing.
type Entry struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Source        string    `gorm:"index" json:"source"`
	SubmissionID  string    `gorm:"index" json:"submission_id,omitempty"`
	TenantID      string    `gorm:"index" json:"tenant_id,omitempty"`
	RequestID     string    `json:"request_id,omitempty"`
	Payload       string    `gorm:"type:text" json:"payload"`
	Reason        string    `gorm:"type:text" json:"reason"`
	Status        string    `gorm:"index" json:"status"`
	Authenticated bool      `gorm:"not null;default:false" json:"authenticated"`
	Attempts      int       `json:"attempts"`
	LastError     string    `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (Entry) TableName() string {
	return "dead_letters"
}
