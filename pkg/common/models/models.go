package models

import (
	"time"
)

// Canonical intake, source independent.
type CanonicalIntake struct {
	SubmissionID string    `json:"submission_id"`
	Source       string    `json:"source"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	DOB          string    `json:"dob"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone"`
	Gender       string    `json:"gender"`
	Address      Address   `json:"address"`
	Sections     []Section `json:"sections"`
	Treatment    string    `json:"treatment"`
	Complete     bool      `json:"complete"`
	ReferralCode string    `json:"referral_code,omitempty"`
	TenantHint   string    `json:"tenant_hint,omitempty"`
	Fallback     bool      `json:"fallback,omitempty"`
}

type Address struct {
	Line1 string `json:"line1,omitempty"`
	Line2 string `json:"line2,omitempty"`
	City  string `json:"city,omitempty"`
	State string `json:"state,omitempty"`
	Zip   string `json:"zip,omitempty"`
}

type Section struct {
	Title   string   `json:"title"`
	Answers []Answer `json:"answers"`
}

type Answer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// HasIdentity reports whether at least one dedup rule can run against the record.
func (c *CanonicalIntake) HasIdentity() bool {
	if c == nil || c.Fallback {
		return false
	}
	if !IsPlaceholderEmail(c.Email) || !IsPlaceholderPhone(c.Phone) {
		return true
	}
	return !IsPlaceholderName(c.FirstName) && !IsPlaceholderName(c.LastName) && !IsPlaceholderDOB(c.DOB)
}

// Completion status labels.
const (
	StatusComplete = "complete"
	StatusPartial  = "partial"
)

func (c *CanonicalIntake) CompletionStatus() string {
	if c.Complete {
		return StatusComplete
	}
	return StatusPartial
}

// Attribution tiers.
const (
	TierExplicit = "explicit"
	TierTagOnly  = "tag-only"
	TierInferred = "inferred"
)

type AttributionResult struct {
	Code        string `json:"code,omitempty"`
	AffiliateID string `json:"affiliateId,omitempty"`
	Tier        string `json:"tier"`
}

// Response statuses.
const (
	ResponseProcessed = "processed"
	ResponseDuplicate = "duplicate"
	ResponseUnmatched = "unmatched"
	ResponseFailed    = "failed"
)

// IntakeResponse is the webhook response body.
type IntakeResponse struct {
	Success      bool               `json:"success"`
	Status       string             `json:"status"`
	PatientID    string             `json:"patientId,omitempty"`
	SubmissionID string             `json:"submissionId,omitempty"`
	Document     string             `json:"document,omitempty"`
	ClinicalNote string             `json:"clinicalNote,omitempty"`
	Affiliate    *AttributionResult `json:"affiliate,omitempty"`
	Warnings     []string           `json:"warnings"`
	NewPatient   bool               `json:"newPatient,omitempty"`
	Queued       bool               `json:"queued,omitempty"`
	InProgress   bool               `json:"inProgress,omitempty"`
	Error        string             `json:"error,omitempty"`
	RequestID    string             `json:"requestId,omitempty"`
}

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}
