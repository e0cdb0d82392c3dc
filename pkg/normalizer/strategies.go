package normalizer

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/synaptica-ai/intake/pkg/common/models"
)

// Strategy turns one platform's payload into a canonical intake.
type Strategy interface {
	Normalize(raw []byte) (*models.CanonicalIntake, error)
}

// Formsort posts {"answers": {...}, "responder_uuid": ..., "finalized": ...}
// or, from older flows, the answers flat at the top level.
type formsortStrategy struct{}

func (formsortStrategy) Normalize(raw []byte) (*models.CanonicalIntake, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, fmt.Errorf("formsort: %w", err)
	}
	c := newCollector()
	answers, nested := obj.getObject("answers")
	for _, m := range obj {
		if nested {
			if m.Key != "answers" {
				c.set(normalizeKey(m.Key), scalarString(m.Value))
			}
			continue
		}
		c.addMember(m.Key, m.Value)
	}
	for _, m := range answers {
		c.addMember(m.Key, m.Value)
	}
	return build("formsort", raw, c), nil
}

type typeformStrategy struct{}

func (typeformStrategy) Normalize(raw []byte) (*models.CanonicalIntake, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, fmt.Errorf("typeform: %w", err)
	}
	response, ok := obj.getObject("form_response")
	if !ok {
		return nil, errors.New("typeform: payload has no form_response")
	}

	c := newCollector()
	c.set("token", response.getString("token"))
	c.set("event_id", obj.getString("event_id"))
	c.set("form_id", response.getString("form_id"))
	if response.getString("submitted_at") != "" {
		c.complete = true
	}

	titles := map[string]string{}
	if definition, ok := response.getObject("definition"); ok {
		fields, _ := definition.get("fields")
		list, _ := fields.([]interface{})
		for _, f := range list {
			if field, ok := f.(object); ok {
				titles[field.getString("id")] = field.getString("title")
			}
		}
	}

	answersRaw, _ := response.get("answers")
	list, _ := answersRaw.([]interface{})
	for _, item := range list {
		ans, ok := item.(object)
		if !ok {
			continue
		}
		field, _ := ans.getObject("field")
		ref := field.getString("ref")
		question := titles[field.getString("id")]
		if question == "" {
			question = ref
		}
		kind := ans.getString("type")
		value := typeformAnswerValue(ans, kind)

		c.addAnswer(typeformKey(ref, question, kind), question, value)
		c.set(normalizeKey(question), value)
	}

	if hidden, ok := response.getObject("hidden"); ok {
		for _, m := range hidden {
			c.set(normalizeKey(m.Key), scalarString(m.Value))
		}
	}
	return build("typeform", raw, c), nil
}

// typeformKey picks the collector key for an answer. Refs are often random
// ids, so the answer type and the field title are tried when the ref is not a
// known alias.
func typeformKey(ref, title, kind string) string {
	switch kind {
	case "email":
		return "email"
	case "phone_number":
		return "phone"
	}
	key := normalizeKey(ref)
	if _, ok := knownKeys[key]; ok {
		return key
	}
	if byTitle := normalizeKey(title); byTitle != "" {
		if _, ok := knownKeys[byTitle]; ok {
			return byTitle
		}
	}
	return key
}

func typeformAnswerValue(ans object, kind string) string {
	switch kind {
	case "choice":
		choice, _ := ans.getObject("choice")
		if label := choice.getString("label"); label != "" {
			return label
		}
		return choice.getString("other")
	case "choices":
		choices, _ := ans.getObject("choices")
		labels, _ := choices.get("labels")
		return joinValue(labels)
	case "file_url":
		return ans.getString("file_url")
	}
	if kind != "" {
		if v := ans.getString(kind); v != "" {
			return v
		}
	}
	for _, k := range []string{"text", "email", "phone_number", "date", "number", "boolean", "url"} {
		if v := ans.getString(k); v != "" {
			return v
		}
	}
	return ""
}

// JotForm posts form fields with the answers as a JSON string in rawRequest,
// keyed q<N>_<field>. Composite widgets (name, address, date) arrive as objects.
type jotformStrategy struct{}

func (jotformStrategy) Normalize(raw []byte) (*models.CanonicalIntake, error) {
	top, err := decodeObject(raw)
	if err != nil {
		form, formErr := url.ParseQuery(string(raw))
		if formErr != nil || form.Get("rawRequest") == "" {
			return nil, fmt.Errorf("jotform: %w", err)
		}
		top = object{}
		for _, k := range []string{"submissionID", "formID", "rawRequest"} {
			if v := form.Get(k); v != "" {
				top = append(top, member{Key: k, Value: v})
			}
		}
	}

	c := newCollector()
	c.set("submission_id", top.getString("submissionID"))
	c.set("form_id", top.getString("formID"))

	rawRequest, hasRaw := top.get("rawRequest")
	if !hasRaw {
		for _, m := range top {
			c.addMember(m.Key, m.Value)
		}
		return build("jotform", raw, c), nil
	}

	var answers object
	switch v := rawRequest.(type) {
	case object:
		answers = v
	case string:
		answers, err = decodeObject([]byte(v))
		if err != nil {
			return nil, fmt.Errorf("jotform: rawRequest: %w", err)
		}
	default:
		return nil, errors.New("jotform: rawRequest has unexpected type")
	}
	for _, m := range answers {
		if strings.HasPrefix(m.Key, "slug") || strings.HasPrefix(m.Key, "event_id") {
			continue
		}
		c.addMember(m.Key, m.Value)
	}
	return build("jotform", raw, c), nil
}

// genericStrategy accepts any flat JSON object. It also serves sources
// configured without a dedicated strategy.
type genericStrategy struct {
	source string
}

func (s genericStrategy) Normalize(raw []byte) (*models.CanonicalIntake, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.source, err)
	}
	c := newCollector()
	for _, m := range obj {
		c.addMember(m.Key, m.Value)
	}
	return build(s.source, raw, c), nil
}
