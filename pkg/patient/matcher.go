package patient

import (
	"strings"

	"github.com/synaptica-ai/intake/pkg/common/models"
)

// Criteria is the incoming identity a submission is matched on.
type Criteria struct {
	Email     string
	Phone     string
	FirstName string
	LastName  string
	DOB       string
}

func CriteriaFrom(c *models.CanonicalIntake) Criteria {
	return Criteria{
		Email:     c.Email,
		Phone:     c.Phone,
		FirstName: c.FirstName,
		LastName:  c.LastName,
		DOB:       c.DOB,
	}
}

type candidate struct {
	patient  *Patient
	identity Identity
}

type rule struct {
	name    string
	applies func(Criteria) bool
	matches func(Criteria, Identity) bool
}

// Rules run in priority order. A rule whose input is a placeholder is skipped,
// so "not provided" never matches "not provided".
var rules = []rule{
	{
		name:    "email",
		applies: func(c Criteria) bool { return !models.IsPlaceholderEmail(c.Email) },
		matches: func(c Criteria, id Identity) bool {
			return strings.EqualFold(strings.TrimSpace(c.Email), strings.TrimSpace(id.Email))
		},
	},
	{
		name:    "phone",
		applies: func(c Criteria) bool { return !models.IsPlaceholderPhone(c.Phone) },
		matches: func(c Criteria, id Identity) bool {
			return strings.TrimSpace(c.Phone) == strings.TrimSpace(id.Phone)
		},
	},
	{
		name: "name_dob",
		applies: func(c Criteria) bool {
			return !models.IsPlaceholderName(c.FirstName) && !models.IsPlaceholderName(c.LastName) && !models.IsPlaceholderDOB(c.DOB)
		},
		matches: func(c Criteria, id Identity) bool {
			return strings.EqualFold(strings.TrimSpace(c.FirstName), strings.TrimSpace(id.FirstName)) &&
				strings.EqualFold(strings.TrimSpace(c.LastName), strings.TrimSpace(id.LastName)) &&
				strings.TrimSpace(c.DOB) == strings.TrimSpace(id.DOB)
		},
	},
}

// match is rule-major: every candidate is tried against the email rule before
// any is tried against phone.
func match(criteria Criteria, candidates []candidate) (*Patient, string) {
	for _, r := range rules {
		if !r.applies(criteria) {
			continue
		}
		for _, cand := range candidates {
			if r.matches(criteria, cand.identity) {
				return cand.patient, r.name
			}
		}
	}
	return nil, ""
}
