package ingestion

import (
	"errors"
	"fmt"
	"net/http"
)

type FaultKind string

const (
	FaultAuthentication FaultKind = "authentication"
	FaultTenant         FaultKind = "tenant"
	FaultPayload        FaultKind = "payload"
	FaultNormalization  FaultKind = "normalization"
	FaultPersistence    FaultKind = "persistence"
	FaultSideEffect     FaultKind = "side_effect"
)

// Fault classifies a pipeline failure. Normalization and side-effect faults
// become warnings; the rest end the request.
type Fault struct {
	Kind FaultKind
	Op   string
	Err  error
}

func newFault(kind FaultKind, op string, err error) *Fault {
	return &Fault{Kind: kind, Op: op, Err: err}
}

func (f *Fault) Error() string {
	if f.Op == "" {
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	}
	return fmt.Sprintf("%s %s: %v", f.Kind, f.Op, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

func (f *Fault) StatusCode() int {
	switch f.Kind {
	case FaultAuthentication:
		return http.StatusUnauthorized
	case FaultPayload:
		return http.StatusBadRequest
	case FaultNormalization, FaultSideEffect:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Warning reports whether the fault is recorded and processing continues.
func (f *Fault) Warning() bool {
	return f.Kind == FaultNormalization || f.Kind == FaultSideEffect
}

// IsFault reports whether err carries a Fault of the given kind.
func IsFault(err error, kind FaultKind) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == kind
}
