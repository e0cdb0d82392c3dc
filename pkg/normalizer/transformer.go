package normalizer

import (
	"strings"
	"time"
	"unicode"

	"github.com/synaptica-ai/intake/pkg/common/models"
)

// NormalizePhone returns digits only, dropping the US country code from
// 11-digit numbers. An empty result means no phone was supplied.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	return digits
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"1-2-2006",
	"2006/01/02",
	"January 2, 2006",
	"Jan 2, 2006",
}

// NormalizeDate converts the date forms intake platforms send to YYYY-MM-DD.
// Anything unparseable becomes the placeholder date.
func NormalizeDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return models.PlaceholderDOB
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return formatDOB(t)
		}
	}
	if len(raw) == 8 && isDigits(raw) {
		layouts := []string{"01022006", "20060102"}
		if strings.HasPrefix(raw, "19") || strings.HasPrefix(raw, "20") {
			layouts = []string{"20060102", "01022006"}
		}
		for _, layout := range layouts {
			if t, err := time.Parse(layout, raw); err == nil {
				return formatDOB(t)
			}
		}
	}
	return models.PlaceholderDOB
}

func composeDate(year, month, day string) string {
	year, month, day = strings.TrimSpace(year), strings.TrimSpace(month), strings.TrimSpace(day)
	if year == "" || month == "" || day == "" {
		return ""
	}
	if len(month) == 1 {
		month = "0" + month
	}
	if len(day) == 1 {
		day = "0" + day
	}
	if t, err := time.Parse("2006-01-02", year+"-"+month+"-"+day); err == nil {
		return formatDOB(t)
	}
	if t, err := time.Parse("2006-January-02", year+"-"+month+"-"+day); err == nil {
		return formatDOB(t)
	}
	return ""
}

func formatDOB(t time.Time) string {
	if t.Year() < 1900 {
		return models.PlaceholderDOB
	}
	return t.Format("2006-01-02")
}

func NormalizeGender(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "m", "male", "man", "cis male", "cisgender male":
		return "M"
	case "f", "female", "woman", "cis female", "cisgender female":
		return "F"
	}
	return models.PlaceholderGender
}

// NormalizeName trims, collapses inner whitespace and title-cases each part,
// including parts after hyphens and apostrophes.
func NormalizeName(raw string) string {
	raw = strings.Join(strings.Fields(raw), " ")
	if raw == "" {
		return ""
	}
	out := []rune(strings.ToLower(raw))
	upper := true
	for i, r := range out {
		if upper && unicode.IsLetter(r) {
			out[i] = unicode.ToUpper(r)
			upper = false
			continue
		}
		upper = r == ' ' || r == '-' || r == '\''
	}
	return string(out)
}

func NormalizeEmail(raw string) string {
	email := strings.ToLower(strings.TrimSpace(raw))
	if !strings.Contains(email, "@") || strings.ContainsAny(email, " \t") {
		return ""
	}
	return email
}

const (
	TreatmentWeight     = "weight-management"
	TreatmentHormone    = "hormone-therapy"
	TreatmentAesthetics = "aesthetics"
	TreatmentGeneral    = "general"
)

var treatmentKeywords = []struct {
	class    string
	keywords []string
}{
	{TreatmentWeight, []string{"weight", "semaglutide", "tirzepatide", "glp", "ozempic", "wegovy", "mounjaro", "zepbound"}},
	{TreatmentHormone, []string{"hormone", "testosterone", "trt", "hrt", "estrogen", "progesterone", "menopause"}},
	{TreatmentAesthetics, []string{"botox", "filler", "aesthetic", "facial", "laser", "dysport", "skin"}},
}

// ClassifyTreatment maps free-text treatment answers to a treatment class.
func ClassifyTreatment(answers ...string) string {
	text := strings.ToLower(strings.Join(answers, " "))
	if strings.TrimSpace(text) == "" {
		return TreatmentGeneral
	}
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, entry := range treatmentKeywords {
		for _, kw := range entry.keywords {
			for _, w := range words {
				if strings.HasPrefix(w, kw) {
					return entry.class
				}
			}
		}
	}
	return TreatmentGeneral
}

func isTruthy(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes", "y", "true", "1", "complete", "completed":
		return true
	}
	return false
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// normalizeKey folds the key spellings platforms use ("first-name",
// "Checkout Completed", "firstName", "q3_firstName") into snake case.
func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if jotformPrefix.MatchString(key) {
		key = jotformPrefix.ReplaceAllString(key, "")
	}
	var b strings.Builder
	runes := []rune(key)
	for i, r := range runes {
		switch {
		case unicode.IsUpper(r):
			if i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	parts := strings.FieldsFunc(b.String(), func(r rune) bool { return r == '_' })
	return strings.Join(parts, "_")
}
