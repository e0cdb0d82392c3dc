package ingestion

import (
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/intake/pkg/common/config"
	"github.com/synaptica-ai/intake/pkg/tenant"
)

// Reasons a submission is parked as unmatched.
const (
	UnmatchedNoIdentity       = "no_identity"
	UnmatchedTenantUnresolved = "tenant_unresolved"
)

// UnmatchedSubmission is a delivery accepted without a patient write. The
// payload is stored encrypted. Uniqueness is per clinic; rows with no resolved
// clinic are kept apart from every clinic's rows.
type UnmatchedSubmission struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID     *uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_unmatched_tenant_source_submission,priority:1" json:"tenant_id,omitempty"`
	Source       string     `gorm:"uniqueIndex:idx_unmatched_tenant_source_submission,priority:2" json:"source"`
	SubmissionID string     `gorm:"uniqueIndex:idx_unmatched_tenant_source_submission,priority:3" json:"submission_id"`
	RequestID    string     `json:"request_id,omitempty"`
	Reason       string     `gorm:"index" json:"reason"`
	Complete     bool       `json:"complete"`
	Payload      string     `gorm:"type:text" json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (UnmatchedSubmission) TableName() string {
	return "unmatched_submissions"
}

// Delivery is one webhook body with the request facts the pipeline needs.
type Delivery struct {
	Source     string
	Binding    config.SourceBinding
	Raw        []byte
	Credential tenant.Credential
	RequestID  string

	// Replay skips authentication. TenantID pins the clinic recorded when the
	// delivery was dead-lettered.
	Replay   bool
	TenantID string
}
