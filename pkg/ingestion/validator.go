package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

var (
	errEmptyBody      = errors.New("empty request body")
	errNotObject      = errors.New("payload must be a JSON object or form-encoded fields")
	errInvalidJSON    = errors.New("malformed JSON payload")
	errUnknownSource  = errors.New("unknown webhook source")
	errUnreadableBody = errors.New("unreadable request body")
)

type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

// ValidatePayload rejects bodies no strategy can read. Field content is not
// checked here: missing fields degrade to placeholders later.
func ValidatePayload(raw []byte) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ValidationError{reason: errEmptyBody}
	}
	switch trimmed[0] {
	case '{':
		if !json.Valid(trimmed) {
			return ValidationError{reason: errInvalidJSON}
		}
		return nil
	case '[', '"':
		return ValidationError{reason: errNotObject}
	}
	if json.Valid(trimmed) {
		// bare scalars
		return ValidationError{reason: errNotObject}
	}
	values, err := url.ParseQuery(string(trimmed))
	if err != nil || len(values) == 0 {
		return ValidationError{reason: fmt.Errorf("%w: %v", errNotObject, err)}
	}
	return nil
}
