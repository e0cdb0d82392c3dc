package patient

import (
	"fmt"
	"strings"
	"time"

	"github.com/synaptica-ai/intake/pkg/common/models"
)

const (
	TagCompleteIntake = "complete-intake"
	TagPartial        = "partial"
	TagNeedsFollowup  = "needs-followup"
)

func submissionTags(c *models.CanonicalIntake) []string {
	var tags []string
	if c.Complete {
		tags = append(tags, TagCompleteIntake)
	} else {
		tags = append(tags, TagPartial, TagNeedsFollowup)
	}
	if c.Source != "" {
		tags = append(tags, "source:"+c.Source)
	}
	if c.Treatment != "" {
		tags = append(tags, "treatment:"+c.Treatment)
	}
	if code := strings.ToUpper(strings.TrimSpace(c.ReferralCode)); code != "" {
		tags = append(tags, "referral:"+code)
	}
	return tags
}

// mergeTags unions existing and incoming tags in first-seen order. A complete
// submission clears the partial markers.
func mergeTags(existing, incoming []string, complete bool) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, list := range [][]string{existing, incoming} {
		for _, tag := range list {
			tag = strings.TrimSpace(tag)
			if tag == "" {
				continue
			}
			if complete && (tag == TagPartial || tag == TagNeedsFollowup) {
				continue
			}
			if _, dup := seen[tag]; dup {
				continue
			}
			seen[tag] = struct{}{}
			out = append(out, tag)
		}
	}
	return out
}

func noteLine(at time.Time, c *models.CanonicalIntake) string {
	return fmt.Sprintf("[%s] %s intake %s (%s, %s)",
		at.UTC().Format(time.RFC3339), c.Source, c.SubmissionID, c.CompletionStatus(), c.Treatment)
}

func appendNote(notes, line string) string {
	if notes == "" {
		return line
	}
	return notes + "\n" + line
}
