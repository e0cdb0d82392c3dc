package normalizer

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/synaptica-ai/intake/pkg/common/logger"
	"github.com/synaptica-ai/intake/pkg/common/models"
)

const Generic = "generic"

// Registry is the strategy table keyed by source name.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	r.Register("formsort", formsortStrategy{})
	r.Register("typeform", typeformStrategy{})
	r.Register("jotform", jotformStrategy{})
	r.Register(Generic, genericStrategy{source: Generic})
	return r
}

func (r *Registry) Register(source string, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[strings.ToLower(source)] = s
}

func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) strategy(source string) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.strategies[source]; ok {
		return s
	}
	return genericStrategy{source: source}
}

// Normalize never fails. A strategy error or panic degrades to a fallback
// record with placeholder identity and a warning.
func (r *Registry) Normalize(source string, raw []byte) (intake *models.CanonicalIntake, warnings []string) {
	source = strings.ToLower(strings.TrimSpace(source))
	if source == "" {
		source = Generic
	}

	defer func() {
		if rec := recover(); rec != nil {
			logger.Log.WithField("source", source).Errorf("normalizer panic: %v", rec)
			intake = Fallback(source, raw)
			warnings = []string{fmt.Sprintf("normalization failed for %s: %v", source, rec)}
		}
	}()

	out, err := r.strategy(source).Normalize(raw)
	if err != nil {
		return Fallback(source, raw), []string{fmt.Sprintf("normalization failed for %s: %v", source, err)}
	}
	if out.Source == "" {
		out.Source = source
	}
	return out, nil
}

// Fallback is the record stored when a payload cannot be normalized. It has
// no identity, so it is never matched against existing patients.
func Fallback(source string, raw []byte) *models.CanonicalIntake {
	id := deriveSubmissionID(source, raw)
	return &models.CanonicalIntake{
		SubmissionID: id,
		Source:       source,
		FirstName:    models.PlaceholderFirstName,
		LastName:     models.FallbackLastName,
		DOB:          models.PlaceholderDOB,
		Email:        models.PlaceholderEmail(id),
		Phone:        models.PlaceholderPhone,
		Gender:       models.PlaceholderGender,
		Sections:     []models.Section{},
		Treatment:    TreatmentGeneral,
		Fallback:     true,
	}
}
