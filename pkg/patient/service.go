package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/intake/pkg/common/database"
	"github.com/synaptica-ai/intake/pkg/common/logger"
	"github.com/synaptica-ai/intake/pkg/common/models"
	"github.com/synaptica-ai/intake/pkg/phi"
	"github.com/synaptica-ai/intake/pkg/tenant"
	"gorm.io/datatypes"
)

// ErrCreateConflict means every create attempt hit a chart-number collision.
// It is transient: a later retry sees a settled sequence.
var ErrCreateConflict = errors.New("patient create exhausted conflict retries")

type Store interface {
	Window(ctx context.Context, limit int) ([]Patient, error)
	Create(ctx context.Context, p *Patient) error
	Update(ctx context.Context, p *Patient) error
}

type Options struct {
	Window        int
	Attempts      int
	RelookupAfter int
	BaseDelay     time.Duration
}

type Service struct {
	store   Store
	cipher  phi.Cipher
	seq     Sequencer
	opts    Options
	now     func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error
}

func NewService(store Store, cipher phi.Cipher, seq Sequencer, opts Options) *Service {
	if opts.Window <= 0 {
		opts.Window = 500
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 5
	}
	if opts.RelookupAfter <= 0 {
		opts.RelookupAfter = 2
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 25 * time.Millisecond
	}
	return &Service{store: store, cipher: cipher, seq: seq, opts: opts, now: time.Now, sleepFn: sleep}
}

// Result describes what Resolve did.
type Result struct {
	Patient   *Patient
	Created   bool
	MatchedBy string
	Upgraded  bool
}

// Resolve finds the submission's patient within the context tenant and
// updates it, or creates one.
func (s *Service) Resolve(ctx context.Context, c *models.CanonicalIntake) (*Result, error) {
	if _, err := tenant.IDFrom(ctx); err != nil {
		return nil, err
	}
	existing, rule, err := s.lookup(ctx, CriteriaFrom(c))
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.update(ctx, existing, rule, c)
	}
	return s.create(ctx, c)
}

// MatchCandidate returns the first patient in the tenant window that matches
// criteria, or nil.
func (s *Service) MatchCandidate(ctx context.Context, criteria Criteria) (*Patient, error) {
	p, _, err := s.lookup(ctx, criteria)
	return p, err
}

func (s *Service) lookup(ctx context.Context, criteria Criteria) (*Patient, string, error) {
	window, err := s.store.Window(ctx, s.opts.Window)
	if err != nil {
		return nil, "", fmt.Errorf("load candidate window: %w", err)
	}
	candidates := make([]candidate, len(window))
	for i := range window {
		candidates[i] = candidate{patient: &window[i], identity: s.decrypt(&window[i])}
	}
	p, rule := match(criteria, candidates)
	return p, rule, nil
}

func (s *Service) decrypt(p *Patient) Identity {
	return Identity{
		FirstName: s.cipher.Decrypt(p.FirstName),
		LastName:  s.cipher.Decrypt(p.LastName),
		DOB:       s.cipher.Decrypt(p.DOB),
		Email:     s.cipher.Decrypt(p.Email),
		Phone:     s.cipher.Decrypt(p.Phone),
	}
}

// Decrypt exposes the plaintext identity of a stored patient.
func (s *Service) Decrypt(p *Patient) Identity {
	return s.decrypt(p)
}

func (s *Service) create(ctx context.Context, c *models.CanonicalIntake) (*Result, error) {
	log := logger.FromContext(ctx)
	conflicts := 0
	for attempt := 1; attempt <= s.opts.Attempts; attempt++ {
		chart, err := s.seq.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("allocate chart number: %w", err)
		}
		p, err := s.newPatient(c, chart)
		if err != nil {
			return nil, err
		}
		err = s.store.Create(ctx, p)
		if err == nil {
			return &Result{Patient: p, Created: true}, nil
		}
		if !database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("create patient: %w", err)
		}

		conflicts++
		log.WithFields(logrus.Fields{
			"attempt":      attempt,
			"chart_number": chart,
		}).Warn("patient create conflict")

		if conflicts >= s.opts.RelookupAfter {
			existing, rule, err := s.lookup(ctx, CriteriaFrom(c))
			if err != nil {
				return nil, err
			}
			if existing != nil {
				return s.update(ctx, existing, rule, c)
			}
		}
		if attempt < s.opts.Attempts {
			if err := s.sleepFn(ctx, s.backoff(attempt)); err != nil {
				return nil, err
			}
		}
	}
	return nil, ErrCreateConflict
}

func (s *Service) backoff(attempt int) time.Duration {
	base := s.opts.BaseDelay * time.Duration(attempt)
	return base + time.Duration(rand.Int63n(int64(s.opts.BaseDelay)))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Service) newPatient(c *models.CanonicalIntake, chart int64) (*Patient, error) {
	address, err := json.Marshal(c.Address)
	if err != nil {
		return nil, err
	}
	p := &Patient{
		ID:          uuid.New(),
		ChartNumber: chart,
		Gender:      c.Gender,
		Notes:       noteLine(s.now(), c),
		Source:      c.Source,
	}
	seal := func(dst *string, plaintext string) {
		if err != nil {
			return
		}
		*dst, err = s.cipher.Encrypt(plaintext)
	}
	seal(&p.FirstName, c.FirstName)
	seal(&p.LastName, c.LastName)
	seal(&p.DOB, c.DOB)
	seal(&p.Email, c.Email)
	seal(&p.Phone, c.Phone)
	seal(&p.Address, string(address))
	if err != nil {
		return nil, fmt.Errorf("encrypt patient field: %w", err)
	}
	p.SetTags(mergeTags(nil, submissionTags(c), c.Complete))
	p.SourceMetadata = sourceMetadata(nil, c, s.now())
	return p, nil
}

func (s *Service) update(ctx context.Context, p *Patient, rule string, c *models.CanonicalIntake) (*Result, error) {
	upgraded := c.Complete && (p.HasTag(TagPartial) || p.HasTag(TagNeedsFollowup))
	// Once complete, a later partial resubmission does not reopen follow-up.
	p.SetTags(mergeTags(p.TagList(), submissionTags(c), c.Complete || p.HasTag(TagCompleteIntake)))
	p.Notes = appendNote(p.Notes, noteLine(s.now(), c))
	if p.Gender == "" || p.Gender == models.PlaceholderGender {
		p.Gender = c.Gender
	}
	p.SourceMetadata = sourceMetadata(p.SourceMetadata, c, s.now())
	if err := s.store.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("update patient: %w", err)
	}
	return &Result{Patient: p, MatchedBy: rule, Upgraded: upgraded}, nil
}

func sourceMetadata(existing datatypes.JSONMap, c *models.CanonicalIntake, at time.Time) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range existing {
		out[k] = v
	}
	out["last_source"] = c.Source
	out["last_submission_id"] = c.SubmissionID
	out["last_submission_at"] = at.UTC().Format(time.RFC3339)
	out["treatment"] = c.Treatment
	if c.ReferralCode != "" {
		out["referral_code"] = c.ReferralCode
	}
	return out
}
