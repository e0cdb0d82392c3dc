package normalizer

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/synaptica-ai/intake/pkg/common/models"
)

var jotformPrefix = regexp.MustCompile(`^q\d+_`)

// Alias lists are priority ordered: the first non-empty value wins.
var (
	submissionIDAliases = []string{"submission_id", "response_id", "token", "responder_uuid", "entry_id", "event_id", "id"}
	firstNameAliases    = []string{"first_name", "firstname", "given_name", "fname", "patient_first_name", "name_first", "first"}
	lastNameAliases     = []string{"last_name", "lastname", "family_name", "surname", "lname", "patient_last_name", "name_last", "last"}
	fullNameAliases     = []string{"full_name", "name", "patient_name", "your_name"}
	dobAliases          = []string{"dob", "date_of_birth", "birth_date", "birthdate", "birthday", "dob_date"}
	emailAliases        = []string{"email", "email_address", "e_mail", "patient_email", "contact_email"}
	phoneAliases        = []string{"phone", "phone_number", "mobile", "mobile_phone", "cell", "cell_phone", "telephone", "phone_full", "phone_number_full"}
	genderAliases       = []string{"gender", "sex", "biological_sex", "sex_assigned_at_birth"}
	line1Aliases        = []string{"address_line1", "address_line_1", "address_1", "street_address", "street", "address_addr_line1", "addr_line1", "address"}
	line2Aliases        = []string{"address_line2", "address_line_2", "address_2", "apt", "unit", "address_addr_line2", "addr_line2"}
	cityAliases         = []string{"city", "address_city"}
	stateAliases        = []string{"state", "province", "region", "address_state"}
	zipAliases          = []string{"zip", "zip_code", "zipcode", "postal_code", "postal", "address_postal"}
	treatmentAliases    = []string{"treatment", "service", "treatment_interest", "program", "product", "interested_in"}
	referralAliases     = []string{"referral_code", "promo_code", "ref", "affiliate_code", "coupon"}
	tenantHintAliases   = []string{"clinic", "clinic_id", "subdomain", "tenant"}
	completionAliases   = []string{"checkout_completed", "completed", "is_complete", "intake_complete", "submission_complete", "finalized"}
	checkoutMarkers     = []string{"order_id", "checkout_session", "checkout_session_id"}
	metaKeys            = []string{"form_id", "flow_label", "variant_label", "event_type", "raw_request", "submitted_at", "landed_at", "ip", "pretty", "checkout_step"}
)

var (
	identityKeys = keySet(firstNameAliases, lastNameAliases, fullNameAliases, dobAliases, emailAliases, phoneAliases,
		genderAliases, line1Aliases, line2Aliases, cityAliases, stateAliases, zipAliases)
	systemKeys = keySet(submissionIDAliases, tenantHintAliases, completionAliases, checkoutMarkers, metaKeys)
	knownKeys  = keySet(firstNameAliases, lastNameAliases, fullNameAliases, dobAliases, emailAliases, phoneAliases,
		genderAliases, line1Aliases, line2Aliases, cityAliases, stateAliases, zipAliases, treatmentAliases, referralAliases)
)

const (
	sectionPatient = "Patient Information"
	sectionIntake  = "Intake Questions"
)

func keySet(lists ...[]string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, list := range lists {
		for _, k := range list {
			out[k] = struct{}{}
		}
	}
	return out
}

type answer struct {
	key      string
	question string
	value    string
}

// collector flattens a payload into a normalized key set plus the ordered
// question/answer list used for sections.
type collector struct {
	values   map[string]string
	answers  []answer
	complete bool
}

func newCollector() *collector {
	return &collector{values: make(map[string]string)}
}

func (c *collector) set(key, value string) {
	value = strings.TrimSpace(value)
	if key == "" || value == "" {
		return
	}
	if existing := c.values[key]; existing == "" {
		c.values[key] = value
	}
}

func (c *collector) addAnswer(key, question, value string) {
	value = strings.TrimSpace(value)
	c.set(key, value)
	if value == "" || key == "" {
		return
	}
	c.answers = append(c.answers, answer{key: key, question: strings.TrimSpace(question), value: value})
}

// addMember records one payload member. Composite values (a name split into
// first/last, an address block) are flattened as parent_child keys and also
// under the bare child key.
func (c *collector) addMember(question string, value interface{}) {
	key := normalizeKey(question)
	label := jotformPrefix.ReplaceAllString(strings.TrimSpace(question), "")
	switch v := value.(type) {
	case object:
		var parts []string
		for _, m := range v {
			leaf := normalizeKey(m.Key)
			s := strings.TrimSpace(joinValue(m.Value))
			if s == "" {
				continue
			}
			c.set(key+"_"+leaf, s)
			c.set(leaf, s)
			parts = append(parts, s)
		}
		if len(parts) > 0 {
			c.answers = append(c.answers, answer{key: key, question: label, value: strings.Join(parts, " ")})
		}
	default:
		c.addAnswer(key, label, joinValue(v))
	}
}

func joinValue(v interface{}) string {
	switch val := v.(type) {
	case []interface{}:
		var parts []string
		for _, item := range val {
			if s := strings.TrimSpace(joinValue(item)); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case object:
		var parts []string
		for _, m := range val {
			if s := strings.TrimSpace(joinValue(m.Value)); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	default:
		return scalarString(v)
	}
}

func (c *collector) first(aliases []string) string {
	for _, alias := range aliases {
		if v := c.values[alias]; v != "" {
			return v
		}
	}
	return ""
}

func (c *collector) sections() []models.Section {
	var patient, intake []models.Answer
	for _, a := range c.answers {
		if _, skip := systemKeys[a.key]; skip {
			continue
		}
		entry := models.Answer{Question: a.question, Answer: a.value}
		if _, ok := identityKeys[a.key]; ok {
			patient = append(patient, entry)
			continue
		}
		intake = append(intake, entry)
	}
	sections := []models.Section{}
	if len(patient) > 0 {
		sections = append(sections, models.Section{Title: sectionPatient, Answers: patient})
	}
	if len(intake) > 0 {
		sections = append(sections, models.Section{Title: sectionIntake, Answers: intake})
	}
	return sections
}

func (c *collector) completed() bool {
	if c.complete || isTruthy(c.first(completionAliases)) {
		return true
	}
	if c.first(checkoutMarkers) != "" {
		return true
	}
	step := strings.ToLower(c.values["checkout_step"])
	return step == "complete" || step == "completed"
}

// build maps the collected fields onto the canonical record, substituting
// placeholders for anything missing.
func build(source string, raw []byte, c *collector) *models.CanonicalIntake {
	id := c.first(submissionIDAliases)
	if id == "" {
		id = deriveSubmissionID(source, raw)
	}

	first := NormalizeName(c.first(firstNameAliases))
	last := NormalizeName(c.first(lastNameAliases))
	if first == "" && last == "" {
		first, last = splitFullName(NormalizeName(c.first(fullNameAliases)))
	}
	if first == "" {
		first = models.PlaceholderFirstName
	}
	if last == "" {
		last = models.PlaceholderLastName
	}

	dob := composeDate(c.values["dob_year"], c.values["dob_month"], c.values["dob_day"])
	if dob == "" {
		dob = NormalizeDate(c.first(dobAliases))
	}

	email := NormalizeEmail(c.first(emailAliases))
	if email == "" {
		email = models.PlaceholderEmail(id)
	}

	phone := NormalizePhone(c.first(phoneAliases))
	if phone == "" {
		phone = models.PlaceholderPhone
	}

	return &models.CanonicalIntake{
		SubmissionID: id,
		Source:       source,
		FirstName:    first,
		LastName:     last,
		DOB:          dob,
		Email:        email,
		Phone:        phone,
		Gender:       NormalizeGender(c.first(genderAliases)),
		Address: models.Address{
			Line1: c.first(line1Aliases),
			Line2: c.first(line2Aliases),
			City:  c.first(cityAliases),
			State: strings.ToUpper(c.first(stateAliases)),
			Zip:   c.first(zipAliases),
		},
		Sections:     c.sections(),
		Treatment:    ClassifyTreatment(c.first(treatmentAliases)),
		Complete:     c.completed(),
		ReferralCode: c.first(referralAliases),
		TenantHint:   strings.ToLower(c.first(tenantHintAliases)),
	}
}

func splitFullName(full string) (string, string) {
	if full == "" {
		return "", ""
	}
	idx := strings.LastIndex(full, " ")
	if idx < 0 {
		return full, ""
	}
	return full[:idx], full[idx+1:]
}

// deriveSubmissionID gives payloads without an id a value that is stable
// across redelivery of the same bytes.
func deriveSubmissionID(source string, raw []byte) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write(raw)
	return "sub_" + hex.EncodeToString(h.Sum(nil))[:16]
}
