package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/intake/pkg/attribution"
	"github.com/synaptica-ai/intake/pkg/audit"
	"github.com/synaptica-ai/intake/pkg/common/config"
	"github.com/synaptica-ai/intake/pkg/common/logger"
	"github.com/synaptica-ai/intake/pkg/common/models"
	"github.com/synaptica-ai/intake/pkg/deadletter"
	"github.com/synaptica-ai/intake/pkg/documents"
	"github.com/synaptica-ai/intake/pkg/idempotency"
	"github.com/synaptica-ai/intake/pkg/notify"
	"github.com/synaptica-ai/intake/pkg/observability/metrics"
	"github.com/synaptica-ai/intake/pkg/patient"
	"github.com/synaptica-ai/intake/pkg/phi"
	"github.com/synaptica-ai/intake/pkg/tenant"
	"gorm.io/datatypes"
)

const genericSource = "generic"

var errUnauthenticatedEntry = errors.New("dead letter was queued before authentication")

type TenantResolver interface {
	Resolve(ctx context.Context, binding config.SourceBinding, cred tenant.Credential, hint string) (tenant.Clinic, error)
}

type ClinicLookup interface {
	FindByID(ctx context.Context, id uuid.UUID) (tenant.Clinic, error)
}

type CredentialVerifier interface {
	Verify(cred tenant.Credential, binding config.SourceBinding, clinic tenant.Clinic) error
}

type IdempotencyGuard interface {
	Lookup(ctx context.Context, key string) (*idempotency.Outcome, bool, error)
	Claim(ctx context.Context, key string) bool
	Release(ctx context.Context, key string)
	Complete(ctx context.Context, key, source string, status int, body []byte) error
}

type PayloadNormalizer interface {
	Normalize(source string, raw []byte) (*models.CanonicalIntake, []string)
}

type PatientResolver interface {
	Resolve(ctx context.Context, c *models.CanonicalIntake) (*patient.Result, error)
}

type DocumentRecorder interface {
	Upsert(ctx context.Context, rec *documents.Record) error
}

type NoteService interface {
	Ensure(ctx context.Context, patientID uuid.UUID, documentID, submissionID, source string) (string, bool, error)
}

type UnmatchedStore interface {
	SaveUnmatched(ctx context.Context, rec *UnmatchedSubmission) error
}

type DeadLetterQueue interface {
	Enqueue(ctx context.Context, e *deadletter.Entry) bool
}

type Redactor interface {
	Redact(text string) string
}

// Dependencies wires the orchestrator. Renderer, Store, Documents, Notes,
// Attribution, Audit and Notifier are optional.
type Dependencies struct {
	Resolver      TenantResolver
	Clinics       ClinicLookup
	Verifier      CredentialVerifier
	Guard         IdempotencyGuard
	Normalizer    PayloadNormalizer
	Patients      PatientResolver
	Renderer      documents.Renderer
	Store         documents.ObjectStore
	Documents     DocumentRecorder
	Notes         NoteService
	Attribution   attribution.Engine
	Audit         audit.Writer
	Notifier      notify.Notifier
	Unmatched     UnmatchedStore
	DeadLetters   DeadLetterQueue
	Retrier       *deadletter.Retrier
	Cipher        phi.Cipher
	Redactor      Redactor
	StepTimeout   time.Duration
	NotifyTimeout time.Duration
}

type Service struct {
	deps Dependencies
}

func NewService(deps Dependencies) *Service {
	if deps.Retrier == nil {
		deps.Retrier = deadletter.NewRetrier(3, 200*time.Millisecond)
	}
	if deps.StepTimeout <= 0 {
		deps.StepTimeout = 10 * time.Second
	}
	if deps.NotifyTimeout <= 0 {
		deps.NotifyTimeout = deps.StepTimeout
	}
	return &Service{deps: deps}
}

// Process runs one delivery through the pipeline and returns the HTTP status
// and response body. It never returns an error: every failure is a status.
func (s *Service) Process(ctx context.Context, d Delivery) (int, models.IntakeResponse) {
	metrics.Received()
	log := logger.FromContext(ctx).WithFields(logrus.Fields{"source": d.Source})
	ctx = logger.WithContext(ctx, log)

	intake, warnings := s.deps.Normalizer.Normalize(d.Source, d.Raw)
	for _, w := range warnings {
		log.WithField("fault", FaultNormalization).Warn(s.redact(w))
	}
	log = log.WithField("submission_id", intake.SubmissionID)
	ctx = logger.WithContext(ctx, log)
	sub := &run{d: d, intake: intake, warnings: s.redactAll(warnings)}

	clinic, resolved, fault := s.resolveTenant(ctx, sub)
	if fault != nil {
		return s.fail(ctx, sub, fault)
	}
	if resolved {
		ctx = tenant.WithTenant(ctx, clinic)
		log = log.WithField("tenant_id", clinic.ID.String())
		ctx = logger.WithContext(ctx, log)
		sub.clinic = &clinic
	}

	var tenantKey string
	if sub.clinic != nil {
		tenantKey = sub.clinic.ID.String()
	}
	key := idempotency.Key(d.Source, tenantKey, d.Raw)
	if out, hit, err := s.deps.Guard.Lookup(ctx, key); err != nil {
		return s.fail(ctx, sub, newFault(FaultPersistence, "idempotency lookup", err))
	} else if hit {
		return s.duplicate(ctx, out, d.RequestID)
	}
	if !s.deps.Guard.Claim(ctx, key) {
		metrics.Duplicate()
		log.Info("identical delivery already in flight")
		return http.StatusOK, models.IntakeResponse{
			Success:      true,
			Status:       models.ResponseDuplicate,
			SubmissionID: intake.SubmissionID,
			InProgress:   true,
			Warnings:     []string{},
			RequestID:    d.RequestID,
		}
	}

	var (
		status int
		resp   models.IntakeResponse
	)
	switch {
	case sub.clinic == nil:
		status, resp = s.unmatched(ctx, sub, UnmatchedTenantUnresolved)
	case !intake.HasIdentity():
		status, resp = s.unmatched(ctx, sub, UnmatchedNoIdentity)
	default:
		status, resp = s.processPatient(ctx, sub)
	}
	s.complete(ctx, key, d.Source, status, resp)
	return status, resp
}

type run struct {
	d        Delivery
	intake   *models.CanonicalIntake
	clinic   *tenant.Clinic
	warnings []string

	// authenticated is set once the credential was verified, or the delivery
	// is a replay of one that was. Only authenticated runs are dead-lettered.
	authenticated bool
}

func (r *run) warn(msg string) {
	r.warnings = append(r.warnings, msg)
}

// resolveTenant binds the delivery to a clinic and authenticates it. resolved
// is false when a multi-tenant source named no known clinic.
func (s *Service) resolveTenant(ctx context.Context, r *run) (tenant.Clinic, bool, *Fault) {
	var clinic tenant.Clinic
	err := s.deps.Retrier.Do(ctx, "tenant.resolve", func(ctx context.Context) error {
		var err error
		if r.d.Replay && r.d.TenantID != "" {
			clinic, err = s.replayClinic(ctx, r.d.TenantID)
		} else {
			clinic, err = s.deps.Resolver.Resolve(ctx, r.d.Binding, r.d.Credential, r.intake.TenantHint)
		}
		if errors.Is(err, tenant.ErrClinicNotFound) || errors.Is(err, tenant.ErrTenantMismatch) || errors.Is(err, tenant.ErrTenantUnresolved) {
			return deadletter.Permanent(err)
		}
		return err
	})

	switch {
	case err == nil:
	case errors.Is(err, tenant.ErrTenantUnresolved):
		if !r.d.Replay {
			if verr := s.deps.Verifier.Verify(r.d.Credential, r.d.Binding, tenant.Clinic{}); verr != nil {
				return tenant.Clinic{}, false, newFault(FaultAuthentication, "verify credential", verr)
			}
		}
		r.authenticated = true
		return tenant.Clinic{}, false, nil
	case errors.Is(err, tenant.ErrTenantMismatch), errors.Is(err, tenant.ErrClinicNotFound):
		return tenant.Clinic{}, false, newFault(FaultTenant, "resolve tenant", err)
	default:
		return tenant.Clinic{}, false, newFault(FaultPersistence, "resolve tenant", err)
	}

	if !r.d.Replay {
		if err := s.deps.Verifier.Verify(r.d.Credential, r.d.Binding, clinic); err != nil {
			return tenant.Clinic{}, false, newFault(FaultAuthentication, "verify credential", err)
		}
	}
	r.authenticated = true
	return clinic, true, nil
}

func (s *Service) replayClinic(ctx context.Context, id string) (tenant.Clinic, error) {
	tenantID, err := uuid.Parse(id)
	if err != nil {
		return tenant.Clinic{}, tenant.ErrTenantUnresolved
	}
	if s.deps.Clinics == nil {
		return tenant.Clinic{}, tenant.ErrClinicNotFound
	}
	return s.deps.Clinics.FindByID(ctx, tenantID)
}

func (s *Service) duplicate(ctx context.Context, out *idempotency.Outcome, requestID string) (int, models.IntakeResponse) {
	metrics.Duplicate()
	var resp models.IntakeResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("cached response unreadable")
	}
	resp.Status = models.ResponseDuplicate
	resp.RequestID = requestID
	if resp.Warnings == nil {
		resp.Warnings = []string{}
	}
	logger.FromContext(ctx).Info("duplicate delivery answered from idempotency store")
	return out.StatusCode, resp
}

func (s *Service) unmatched(ctx context.Context, r *run, reason string) (int, models.IntakeResponse) {
	rec := &UnmatchedSubmission{
		Source:       r.d.Source,
		SubmissionID: r.intake.SubmissionID,
		RequestID:    r.d.RequestID,
		Reason:       reason,
		Complete:     r.intake.Complete,
	}
	if r.clinic != nil {
		id := r.clinic.ID
		rec.TenantID = &id
	}
	payload, err := s.seal(string(r.d.Raw))
	if err != nil {
		return s.fail(ctx, r, newFault(FaultPersistence, "encrypt unmatched payload", deadletter.Permanent(err)))
	}
	rec.Payload = payload

	err = s.deps.Retrier.Do(ctx, "unmatched.save", func(ctx context.Context) error {
		return s.deps.Unmatched.SaveUnmatched(ctx, rec)
	})
	if err != nil {
		return s.fail(ctx, r, newFault(FaultPersistence, "store unmatched submission", err))
	}

	metrics.Unmatched()
	logger.FromContext(ctx).WithField("reason", reason).Info("submission stored as unmatched")
	s.writeAudit(ctx, r, nil, audit.ActionUnmatched, map[string]bool{})
	return http.StatusAccepted, models.IntakeResponse{
		Success:      true,
		Status:       models.ResponseUnmatched,
		SubmissionID: r.intake.SubmissionID,
		Warnings:     r.warnings,
		RequestID:    r.d.RequestID,
	}
}

func (s *Service) seal(plaintext string) (string, error) {
	if s.deps.Cipher == nil {
		return "", errors.New("no cipher configured")
	}
	return s.deps.Cipher.Encrypt(plaintext)
}

func (s *Service) processPatient(ctx context.Context, r *run) (int, models.IntakeResponse) {
	log := logger.FromContext(ctx)

	var res *patient.Result
	err := s.deps.Retrier.Do(ctx, "patient.resolve", func(ctx context.Context) error {
		var err error
		res, err = s.deps.Patients.Resolve(ctx, r.intake)
		if errors.Is(err, tenant.ErrNoTenant) {
			return deadletter.Permanent(err)
		}
		return err
	})
	if err != nil {
		return s.fail(ctx, r, newFault(FaultPersistence, "resolve patient", err))
	}

	p := res.Patient
	log = log.WithFields(logrus.Fields{
		"patient_id":  p.ID.String(),
		"new_patient": res.Created,
		"matched_by":  res.MatchedBy,
	})
	ctx = logger.WithContext(ctx, log)
	log.Info("patient resolved")

	steps := map[string]bool{audit.StepPatient: true}
	resp := models.IntakeResponse{
		Success:      true,
		Status:       models.ResponseProcessed,
		PatientID:    p.ID.String(),
		SubmissionID: r.intake.SubmissionID,
		NewPatient:   res.Created,
		RequestID:    r.d.RequestID,
	}

	docID := s.document(ctx, r, p.ID, steps)
	resp.Document = docID

	if r.intake.Complete && s.deps.Notes != nil {
		err := s.step(ctx, func(ctx context.Context) error {
			noteID, _, err := s.deps.Notes.Ensure(ctx, p.ID, docID, r.intake.SubmissionID, r.intake.Source)
			resp.ClinicalNote = noteID
			return err
		})
		steps[audit.StepNote] = err == nil
		if err != nil {
			s.sideEffect(ctx, r, "generate clinical note", err)
		}
	}

	if s.deps.Attribution != nil {
		err := s.step(ctx, func(ctx context.Context) error {
			result, err := s.deps.Attribution.Attribute(ctx, p.ID, r.intake)
			resp.Affiliate = result
			return err
		})
		steps[audit.StepAttribution] = err == nil
		if err != nil {
			s.sideEffect(ctx, r, "attribute referral", err)
		}
	}

	s.writeAudit(ctx, r, &p.ID, audit.ActionProcessed, steps)

	if res.Created && r.intake.Complete && s.deps.Notifier != nil {
		notify.Detach(ctx, s.deps.Notifier, notify.Notification{
			TenantID:     r.clinic.ID.String(),
			PatientID:    p.ID.String(),
			SubmissionID: r.intake.SubmissionID,
			Source:       r.intake.Source,
			Treatment:    r.intake.Treatment,
		}, s.deps.NotifyTimeout)
	}

	resp.Warnings = r.warnings
	if resp.Warnings == nil {
		resp.Warnings = []string{}
	}
	metrics.Succeeded()
	if n := len(resp.Warnings); n > 0 {
		metrics.Warnings(n)
	}
	return http.StatusOK, resp
}

// document renders, uploads and records the intake document. It returns the
// document record id, or "" when the record could not be written.
func (s *Service) document(ctx context.Context, r *run, patientID uuid.UUID, steps map[string]bool) string {
	if s.deps.Documents == nil {
		return ""
	}
	rec := &documents.Record{
		SubmissionID: r.intake.SubmissionID,
		PatientID:    patientID,
		Source:       r.intake.Source,
		Complete:     r.intake.Complete,
		Sections:     r.intake.Sections,
		Status:       documents.StatusRenderFailed,
	}

	if s.deps.Renderer != nil {
		var art documents.Artifact
		err := s.step(ctx, func(ctx context.Context) error {
			var err error
			art, err = s.deps.Renderer.Render(ctx, r.intake)
			return err
		})
		steps[audit.StepRender] = err == nil
		if err != nil {
			s.sideEffect(ctx, r, "render document", err)
		} else if s.deps.Store != nil {
			rec.Status = documents.StatusUploadFailed
			key := documents.ObjectKey(r.clinic.ID.String(), r.intake.SubmissionID)
			err := s.step(ctx, func(ctx context.Context) error {
				loc, err := s.deps.Store.Put(ctx, key, art)
				rec.Location = loc
				return err
			})
			switch {
			case err == nil:
				rec.Status = documents.StatusStored
				steps[audit.StepUpload] = true
			case errors.Is(err, documents.ErrStoreDisabled):
				rec.Status = documents.StatusStored
			default:
				steps[audit.StepUpload] = false
				s.sideEffect(ctx, r, "upload document", err)
			}
		} else {
			rec.Status = documents.StatusStored
		}
	}

	err := s.step(ctx, func(ctx context.Context) error {
		return s.deps.Documents.Upsert(ctx, rec)
	})
	steps[audit.StepDocument] = err == nil
	if err != nil {
		s.sideEffect(ctx, r, "record document", err)
		return ""
	}
	return rec.ID.String()
}

// step bounds one best-effort call by the collaborator timeout. Steps run after
// the patient commit, so a caller that hangs up does not cancel them.
func (s *Service) step(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	stepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.deps.StepTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(stepCtx)
}

func (s *Service) sideEffect(ctx context.Context, r *run, op string, err error) {
	f := newFault(FaultSideEffect, op, err)
	msg := s.redact(f.Error())
	logger.FromContext(ctx).WithField("fault", f.Kind).Warn(msg)
	r.warn(msg)
}

func (s *Service) writeAudit(ctx context.Context, r *run, patientID *uuid.UUID, action string, steps map[string]bool) {
	if s.deps.Audit == nil {
		return
	}
	ev := &audit.Event{
		PatientID:    patientID,
		SubmissionID: r.intake.SubmissionID,
		RequestID:    r.d.RequestID,
		Source:       r.d.Source,
		Action:       action,
		Steps:        datatypes.NewJSONType(steps),
		Warnings:     datatypes.NewJSONType(append([]string{}, r.warnings...)),
	}
	if r.clinic != nil {
		id := r.clinic.ID
		ev.TenantID = &id
	}
	if err := s.step(ctx, func(ctx context.Context) error { return s.deps.Audit.Write(ctx, ev) }); err != nil {
		s.sideEffect(ctx, r, "write audit entry", err)
	}
}

// fail answers a hard fault. Transient persistence faults are dead-lettered.
func (s *Service) fail(ctx context.Context, r *run, f *Fault) (int, models.IntakeResponse) {
	log := logger.FromContext(ctx).WithField("fault", f.Kind)
	resp := models.IntakeResponse{
		Success:      false,
		Status:       models.ResponseFailed,
		SubmissionID: r.intake.SubmissionID,
		Warnings:     r.warnings,
		RequestID:    r.d.RequestID,
	}
	if resp.Warnings == nil {
		resp.Warnings = []string{}
	}
	metrics.Failed()

	switch f.Kind {
	case FaultAuthentication:
		metrics.SecurityFault()
		logger.Security(ctx).WithField("fault", f.Kind).Warn("webhook authentication failed")
		resp.Error = "unauthorized"
		resp.SubmissionID = ""
		resp.Warnings = []string{}
	case FaultTenant:
		resp.Error = "tenant resolution failed"
		if errors.Is(f, tenant.ErrTenantMismatch) {
			metrics.SecurityFault()
			logger.Security(ctx).WithField("fault", f.Kind).Error(s.redact(f.Error()))
		} else {
			log.Error(s.redact(f.Error()))
		}
	case FaultPayload:
		resp.Error = f.Err.Error()
	default:
		resp.Error = "internal error"
		log.Error(s.redact(f.Error()))
		if f.Kind == FaultPersistence && !deadletter.IsPermanent(f.Err) {
			resp.Queued = s.deadLetter(ctx, r, f)
		}
	}
	return f.StatusCode(), resp
}

// deadLetter parks an authenticated delivery for replay. A fault raised before
// the credential was checked is answered without queueing: replay skips
// authentication, so the platform has to redeliver instead.
func (s *Service) deadLetter(ctx context.Context, r *run, f *Fault) bool {
	if s.deps.DeadLetters == nil || r.d.Replay {
		return false
	}
	log := logger.FromContext(ctx)
	if !r.authenticated {
		log.Warn("transient fault before authentication, not dead-lettering")
		return false
	}
	payload, err := s.seal(string(r.d.Raw))
	if err != nil {
		log.WithError(err).Error("cannot seal dead-letter payload")
		return false
	}
	entry := &deadletter.Entry{
		Source:        r.d.Source,
		SubmissionID:  r.intake.SubmissionID,
		RequestID:     r.d.RequestID,
		Payload:       payload,
		Reason:        f.Error(),
		Authenticated: true,
	}
	if r.clinic != nil {
		entry.TenantID = r.clinic.ID.String()
	}
	queued := s.deps.DeadLetters.Enqueue(context.WithoutCancel(ctx), entry)
	if queued {
		metrics.DeadLettered()
	}
	return queued
}

func (s *Service) complete(ctx context.Context, key, source string, status int, resp models.IntakeResponse) {
	body, err := json.Marshal(resp)
	if err == nil {
		err = s.deps.Guard.Complete(context.WithoutCancel(ctx), key, source, status, body)
	}
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("failed to record idempotency outcome")
	}
}

// Replay re-runs a dead-lettered delivery without authentication. Entries not
// marked authenticated when they were queued are refused.
func (s *Service) Replay(ctx context.Context, e deadletter.Entry, sources config.SourcesConfig) error {
	if !e.Authenticated {
		return deadletter.Permanent(errUnauthenticatedEntry)
	}
	if s.deps.Cipher == nil {
		return deadletter.Permanent(errors.New("no cipher configured"))
	}
	binding, ok := sources.Binding(e.Source)
	if !ok {
		binding, ok = sources.Binding(genericSource)
	}
	if !ok {
		return deadletter.Permanent(fmt.Errorf("%w: %s", errUnknownSource, e.Source))
	}
	ctx = logger.WithContext(ctx, logger.FromContext(ctx).WithFields(logrus.Fields{
		"dead_letter_id": e.ID.String(),
		"request_id":     e.RequestID,
	}))
	status, resp := s.Process(ctx, Delivery{
		Source:    e.Source,
		Binding:   binding,
		Raw:       []byte(s.deps.Cipher.Decrypt(e.Payload)),
		RequestID: e.RequestID,
		Replay:    true,
		TenantID:  e.TenantID,
	})
	if status != http.StatusOK && status != http.StatusAccepted {
		return fmt.Errorf("replay answered %d: %s", status, resp.Error)
	}
	return nil
}

func (s *Service) redact(msg string) string {
	if s.deps.Redactor == nil {
		return msg
	}
	return s.deps.Redactor.Redact(msg)
}

func (s *Service) redactAll(msgs []string) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, s.redact(m))
	}
	return out
}

// ReplayProcessor adapts Replay for the dead-letter replayer.
func (s *Service) ReplayProcessor(sources config.SourcesConfig) deadletter.Processor {
	return func(ctx context.Context, e deadletter.Entry) error {
		return s.Replay(ctx, e, sources)
	}
}
