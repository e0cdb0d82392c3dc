package models

import "strings"

// Sentinels meaning "not provided". Dedup skips any rule whose input is one of these.
const (
	PlaceholderDOB          = "1900-01-01"
	PlaceholderPhone        = "0000000000"
	PlaceholderFirstName    = "Unknown"
	PlaceholderLastName     = "Patient"
	PlaceholderGender       = "U"
	PlaceholderEmailDomain  = "placeholder.invalid"
	placeholderEmailPrefix  = "intake+"
	placeholderEmailSuffix  = "@" + PlaceholderEmailDomain
	FallbackLastName        = "Submission"
	placeholderUnknownLower = "unknown"
)

// PlaceholderEmail returns the generated address for a submission without an email.
func PlaceholderEmail(submissionID string) string {
	id := strings.ToLower(strings.TrimSpace(submissionID))
	if id == "" {
		id = "anonymous"
	}
	return placeholderEmailPrefix + id + placeholderEmailSuffix
}

func IsPlaceholderEmail(email string) bool {
	e := strings.ToLower(strings.TrimSpace(email))
	return e == "" || strings.HasSuffix(e, placeholderEmailSuffix)
}

func IsPlaceholderPhone(phone string) bool {
	p := strings.TrimSpace(phone)
	return p == "" || p == PlaceholderPhone
}

func IsPlaceholderDOB(dob string) bool {
	d := strings.TrimSpace(dob)
	return d == "" || d == PlaceholderDOB
}

func IsPlaceholderName(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "", placeholderUnknownLower, strings.ToLower(PlaceholderLastName), strings.ToLower(FallbackLastName):
		return true
	}
	return false
}
