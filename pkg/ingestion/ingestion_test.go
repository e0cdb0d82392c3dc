package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/intake/pkg/attribution"
	"github.com/synaptica-ai/intake/pkg/audit"
	"github.com/synaptica-ai/intake/pkg/common/config"
	"github.com/synaptica-ai/intake/pkg/common/models"
	"github.com/synaptica-ai/intake/pkg/deadletter"
	"github.com/synaptica-ai/intake/pkg/dlp"
	"github.com/synaptica-ai/intake/pkg/documents"
	"github.com/synaptica-ai/intake/pkg/gateway/middleware"
	"github.com/synaptica-ai/intake/pkg/idempotency"
	"github.com/synaptica-ai/intake/pkg/normalizer"
	"github.com/synaptica-ai/intake/pkg/notes"
	"github.com/synaptica-ai/intake/pkg/notify"
	"github.com/synaptica-ai/intake/pkg/patient"
	"github.com/synaptica-ai/intake/pkg/phi"
	"github.com/synaptica-ai/intake/pkg/tenant"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	clinicSecret   = "clinic-secret-0001"
	formsortSecret = "formsort-shared-secret"
	exampleBody    = `{"email":"jane@x.com","first-name":"Jane","last-name":"Doe","dob":"03/04/1990","Checkout Completed":"Yes"}`
)

type memoryStore struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (m *memoryStore) Put(ctx context.Context, key string, a documents.Artifact) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.keys = append(m.keys, key)
	return "s3://intake-test/" + key, nil
}

type recordingNotifier struct {
	sent chan notify.Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, n notify.Notification) error {
	r.sent <- n
	return nil
}

type brokenResolver struct {
	calls int32
}

func (b *brokenResolver) Resolve(ctx context.Context, binding config.SourceBinding, cred tenant.Credential, hint string) (tenant.Clinic, error) {
	atomic.AddInt32(&b.calls, 1)
	return tenant.Clinic{}, errors.New("connection refused")
}

// hangUpAfterCommit cancels the request context as soon as the patient is
// written, like a platform that times out and disconnects.
type hangUpAfterCommit struct {
	inner  PatientResolver
	cancel context.CancelFunc
}

func (h *hangUpAfterCommit) Resolve(ctx context.Context, c *models.CanonicalIntake) (*patient.Result, error) {
	res, err := h.inner.Resolve(ctx, c)
	h.cancel()
	return res, err
}

type failingPatients struct {
	calls int32
}

func (f *failingPatients) Resolve(ctx context.Context, c *models.CanonicalIntake) (*patient.Result, error) {
	atomic.AddInt32(&f.calls, 1)
	return nil, errors.New("connection reset by peer")
}

type harness struct {
	db          *gorm.DB
	router      http.Handler
	service     *Service
	sources     config.SourcesConfig
	cipher      *phi.AEADCipher
	clinics     *tenant.Repository
	clinic      tenant.Clinic
	patients    *patient.Repository
	patientSvc  *patient.Service
	store       *memoryStore
	notifier    *recordingNotifier
	noteCalls   *int32
	deadLetters *deadletter.Repository
	unmatched   *Repository
	audit       *audit.GormWriter
	engine      *attribution.GormEngine
}

func newHarness(t *testing.T, mutate func(*Dependencies)) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cipher, err := phi.NewAEADCipher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	clinics := tenant.NewRepository(db, cipher)
	patients := patient.NewRepository(db)
	idem := idempotency.NewRepository(db)
	docs := documents.NewRepository(db, cipher)
	ledger := notes.NewRepository(db)
	engine := attribution.NewGormEngine(db, 30*24*time.Hour)
	auditWriter := audit.NewGormWriter(db, dlp.MustDefault())
	unmatched := NewRepository(db)
	dead := deadletter.NewRepository(db)
	for _, migrate := range []func() error{
		clinics.AutoMigrate, patients.AutoMigrate, idem.AutoMigrate, docs.AutoMigrate, ledger.AutoMigrate,
		engine.AutoMigrate, auditWriter.AutoMigrate, unmatched.AutoMigrate, dead.AutoMigrate,
	} {
		require.NoError(t, migrate())
	}

	clinic, err := clinics.CreateClinic(context.Background(), tenant.CreateClinicInput{Name: "Main", Subdomain: "main", Credential: clinicSecret})
	require.NoError(t, err)

	var noteCalls int32
	noteSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&noteCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "note-" + string(rune('0'+n))})
	}))
	t.Cleanup(noteSrv.Close)

	sources := config.SourcesConfig{Sources: []config.SourceBinding{
		{Name: "formsort", Tenant: "main", Credentials: []string{config.CredentialHeader}, Secret: formsortSecret},
		{Name: "generic", MultiTenant: true, Credentials: []string{config.CredentialHeader, config.CredentialBearer, config.CredentialBasic}},
	}}

	patientSvc := patient.NewService(patients, cipher, patient.NewRedisSequencer(rdb, patients), patient.Options{BaseDelay: time.Millisecond})
	store := &memoryStore{}
	notifier := &recordingNotifier{sent: make(chan notify.Notification, 4)}
	redactor := dlp.MustDefault()

	deps := Dependencies{
		Resolver:      tenant.NewResolver(clinics),
		Clinics:       clinics,
		Verifier:      tenant.NewAuthenticator(clinics),
		Guard:         idempotency.NewGuard(idem, rdb, time.Hour, time.Minute),
		Normalizer:    normalizer.NewRegistry(),
		Patients:      patientSvc,
		Renderer:      documents.NewXLSXRenderer(),
		Store:         store,
		Documents:     docs,
		Notes:         notes.NewService(notes.NewHTTPGenerator(notes.GeneratorConfig{BaseURL: noteSrv.URL, Timeout: time.Second}), ledger),
		Attribution:   engine,
		Audit:         auditWriter,
		Notifier:      notifier,
		Unmatched:     unmatched,
		DeadLetters:   deadletter.NewQueue(dead, nil, redactor),
		Retrier:       deadletter.NewRetrier(2, time.Millisecond),
		Cipher:        cipher,
		Redactor:      redactor,
		StepTimeout:   2 * time.Second,
		NotifyTimeout: time.Second,
	}
	if mutate != nil {
		mutate(&deps)
	}
	svc := NewService(deps)
	router := mux.NewRouter()
	NewHTTPHandler(svc, sources, 1<<20).Register(router)

	return &harness{
		db: db, router: middleware.Logging(router), service: svc, sources: sources, cipher: cipher, clinics: clinics, clinic: clinic,
		patients: patients, patientSvc: patientSvc, store: store, notifier: notifier, noteCalls: &noteCalls,
		deadLetters: dead, unmatched: unmatched, audit: auditWriter, engine: engine,
	}
}

func (h *harness) post(t *testing.T, path, body string, headers map[string]string) (*httptest.ResponseRecorder, models.IntakeResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	var resp models.IntakeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

func (h *harness) tenantCtx() context.Context {
	return tenant.WithTenant(context.Background(), h.clinic)
}

func (h *harness) patientCount(t *testing.T) int64 {
	t.Helper()
	return h.patientCountFor(t, h.clinic)
}

func (h *harness) patientCountFor(t *testing.T, clinic tenant.Clinic) int64 {
	t.Helper()
	n, err := h.patients.Count(tenant.WithTenant(context.Background(), clinic))
	require.NoError(t, err)
	return n
}

func (h *harness) secondClinic(t *testing.T, secret string) tenant.Clinic {
	t.Helper()
	clinic, err := h.clinics.CreateClinic(context.Background(), tenant.CreateClinicInput{Name: "Second", Subdomain: "second", Credential: secret})
	require.NoError(t, err)
	return clinic
}

var clinicAuth = map[string]string{"X-Webhook-Secret": clinicSecret}

func TestExampleSubmissionCreatesPatient(t *testing.T) {
	h := newHarness(t, nil)

	rec, resp := h.post(t, "/api/v1/webhooks/intake/generic", exampleBody, clinicAuth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, resp.Success)
	assert.Equal(t, models.ResponseProcessed, resp.Status)
	assert.True(t, resp.NewPatient)
	assert.Empty(t, resp.Warnings)
	assert.NotEmpty(t, resp.Document)
	assert.Equal(t, "note-1", resp.ClinicalNote)
	assert.Equal(t, rec.Header().Get(middleware.RequestIDHeader), resp.RequestID)
	assert.Nil(t, resp.Affiliate)

	id, err := uuid.Parse(resp.PatientID)
	require.NoError(t, err)
	p, err := h.patients.FindByID(h.tenantCtx(), id)
	require.NoError(t, err)
	identity := h.patientSvc.Decrypt(&p)
	assert.Equal(t, "1990-03-04", identity.DOB)
	assert.Equal(t, "jane@x.com", identity.Email)
	assert.True(t, p.HasTag(patient.TagCompleteIntake))
	assert.Len(t, strings.Split(strings.TrimSpace(p.Notes), "\n"), 1)

	assert.Equal(t, []string{"intake/" + h.clinic.ID.String() + "/" + resp.SubmissionID + ".xlsx"}, h.store.keys)

	select {
	case n := <-h.notifier.sent:
		assert.Equal(t, resp.PatientID, n.PatientID)
	case <-time.After(2 * time.Second):
		t.Fatal("new complete patient was not announced")
	}

	events, err := h.audit.ForTenant(context.Background(), h.clinic.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	steps := events[0].Steps.Data()
	assert.True(t, steps[audit.StepPatient])
	assert.True(t, steps[audit.StepNote])
	assert.True(t, steps[audit.StepUpload])
}

func TestRedeliveryIsDuplicate(t *testing.T) {
	h := newHarness(t, nil)

	_, first := h.post(t, "/api/v1/webhooks/intake/generic", exampleBody, clinicAuth)
	require.Equal(t, models.ResponseProcessed, first.Status)

	rec, second := h.post(t, "/api/v1/webhooks/intake/generic", exampleBody, clinicAuth)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.ResponseDuplicate, second.Status)
	assert.Equal(t, first.PatientID, second.PatientID)
	assert.NotEqual(t, first.RequestID, second.RequestID)
	assert.Equal(t, int64(1), h.patientCount(t))
	assert.Equal(t, int32(1), atomic.LoadInt32(h.noteCalls))
}

func TestPartialSubmissionSkipsNoteThenUpgrades(t *testing.T) {
	h := newHarness(t, nil)

	partial := `{"email":"sam@x.com","first_name":"Sam","last_name":"Roe","dob":"1985-01-02","treatment":"semaglutide"}`
	_, resp := h.post(t, "/api/v1/webhooks/intake/generic", partial, clinicAuth)
	require.Equal(t, models.ResponseProcessed, resp.Status)
	assert.Empty(t, resp.ClinicalNote)
	assert.Equal(t, int32(0), atomic.LoadInt32(h.noteCalls))
	select {
	case <-h.notifier.sent:
		t.Fatal("partial submission must not notify")
	case <-time.After(50 * time.Millisecond):
	}

	complete := `{"email":"SAM@x.com","first_name":"Sam","last_name":"Roe","dob":"1985-01-02","completed":"true"}`
	_, resp2 := h.post(t, "/api/v1/webhooks/intake/generic", complete, clinicAuth)
	require.Equal(t, models.ResponseProcessed, resp2.Status)
	assert.False(t, resp2.NewPatient)
	assert.Equal(t, resp.PatientID, resp2.PatientID)
	assert.NotEmpty(t, resp2.ClinicalNote)

	id := uuid.MustParse(resp.PatientID)
	p, err := h.patients.FindByID(h.tenantCtx(), id)
	require.NoError(t, err)
	assert.True(t, p.HasTag(patient.TagCompleteIntake))
	assert.False(t, p.HasTag(patient.TagNeedsFollowup))
	assert.False(t, p.HasTag(patient.TagPartial))
	lines := strings.Split(strings.TrimSpace(p.Notes), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], resp.SubmissionID)
	assert.Contains(t, lines[1], resp2.SubmissionID)
}

func TestAuthenticationFailures(t *testing.T) {
	h := newHarness(t, nil)

	rec, resp := h.post(t, "/api/v1/webhooks/intake/generic", exampleBody, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, resp.Success)

	rec, _ = h.post(t, "/api/v1/webhooks/intake/formsort", exampleBody, map[string]string{"X-Webhook-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = h.post(t, "/api/v1/webhooks/intake/formsort", exampleBody, map[string]string{"X-Api-Key": formsortSecret})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = h.post(t, "/api/v1/webhooks/intake/generic", `{"email":"a@b.com"}`, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, int64(1), h.patientCount(t))
}

func TestBasicAuthAgainstStoredCredential(t *testing.T) {
	h := newHarness(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/intake?source=generic&clinic=main", strings.NewReader(`{"email":"b@x.com","clinic":"main"}`))
	req.SetBasicAuth("webhook", clinicSecret)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/intake/generic", strings.NewReader(`{"email":"c@x.com","clinic":"main"}`))
	req.SetBasicAuth("admin", clinicSecret)
	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMalformedPayloadIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	for _, body := range []string{"", "   ", `[1,2]`, `{"email":`} {
		rec, resp := h.post(t, "/api/v1/webhooks/intake/generic", body, clinicAuth)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
		assert.NotEmpty(t, resp.Error)
	}
}

func TestNoIdentityIsUnmatched(t *testing.T) {
	h := newHarness(t, nil)
	rec, resp := h.post(t, "/api/v1/webhooks/intake/generic", `{"favorite_color":"blue"}`, clinicAuth)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, models.ResponseUnmatched, resp.Status)
	assert.Equal(t, int64(0), h.patientCount(t))

	stored, err := h.unmatched.GetUnmatched(context.Background(), &h.clinic.ID, "generic", resp.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, UnmatchedNoIdentity, stored.Reason)
	assert.NotContains(t, stored.Payload, "blue")
	assert.Equal(t, `{"favorite_color":"blue"}`, h.cipher.Decrypt(stored.Payload))

	rec, again := h.post(t, "/api/v1/webhooks/intake/generic", `{"favorite_color":"blue"}`, clinicAuth)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, models.ResponseDuplicate, again.Status)
}

func TestUnresolvedTenantIsUnmatched(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) {})
	h.sources.Sources[1].Secret = "generic-shared"
	router := mux.NewRouter()
	NewHTTPHandler(h.service, h.sources, 0).Register(router)
	h.router = middleware.Logging(router)

	rec, resp := h.post(t, "/api/v1/webhooks/intake/generic", `{"email":"d@x.com","clinic":"nowhere"}`, map[string]string{"X-Webhook-Secret": "generic-shared"})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, models.ResponseUnmatched, resp.Status)

	stored, err := h.unmatched.GetUnmatched(context.Background(), nil, "generic", resp.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, UnmatchedTenantUnresolved, stored.Reason)
	assert.Nil(t, stored.TenantID)

	rec, _ = h.post(t, "/api/v1/webhooks/intake/generic", `{"email":"e@x.com","clinic":"nowhere"}`, map[string]string{"X-Webhook-Secret": "guess"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTenantMismatchIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.sources.Sources[0].ExpectedTenantID = uuid.NewString()
	router := mux.NewRouter()
	NewHTTPHandler(h.service, h.sources, 0).Register(router)
	h.router = middleware.Logging(router)

	rec, resp := h.post(t, "/api/v1/webhooks/intake/formsort", exampleBody, map[string]string{"X-Webhook-Secret": formsortSecret})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, resp.Success)
	assert.False(t, resp.Queued)
	assert.Equal(t, int64(0), h.patientCount(t))

	pending, err := h.deadLetters.Pending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPersistenceFailureIsDeadLettered(t *testing.T) {
	failing := &failingPatients{}
	h := newHarness(t, func(d *Dependencies) { d.Patients = failing })

	rec, resp := h.post(t, "/api/v1/webhooks/intake/generic", exampleBody, clinicAuth)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, resp.Success)
	assert.True(t, resp.Queued)
	assert.Equal(t, int32(2), atomic.LoadInt32(&failing.calls))

	pending, err := h.deadLetters.Pending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	entry := pending[0]
	assert.Equal(t, "generic", entry.Source)
	assert.Equal(t, h.clinic.ID.String(), entry.TenantID)
	assert.True(t, entry.Authenticated)
	assert.NotContains(t, entry.Payload, "jane@x.com")
	assert.Equal(t, exampleBody, h.cipher.Decrypt(entry.Payload))
	assert.NotContains(t, entry.Reason, "jane@x.com")

	// A failed outcome is not cached, so the platform's redelivery is processed again.
	rec, _ = h.post(t, "/api/v1/webhooks/intake/generic", exampleBody, clinicAuth)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, int32(4), atomic.LoadInt32(&failing.calls))
}

func TestReplayProcessesDeadLetter(t *testing.T) {
	h := newHarness(t, nil)
	sealed, err := h.cipher.Encrypt(exampleBody)
	require.NoError(t, err)
	entry := deadletter.Entry{
		ID:            uuid.New(),
		Source:        "generic",
		TenantID:      h.clinic.ID.String(),
		RequestID:     "req-original",
		Payload:       sealed,
		Status:        deadletter.StatusPending,
		Authenticated: true,
	}
	require.NoError(t, h.deadLetters.Enqueue(context.Background(), &entry))

	replayer := deadletter.NewReplayer(h.deadLetters, h.service.ReplayProcessor(h.sources), dlp.MustDefault())
	sum, err := replayer.DrainStore(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, deadletter.Summary{Replayed: 1}, sum)
	assert.Equal(t, int64(1), h.patientCount(t))

	got, err := h.deadLetters.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, deadletter.StatusReplayed, got.Status)

	// The replayed outcome now answers the platform's own redelivery.
	_, resp := h.post(t, "/api/v1/webhooks/intake/generic", exampleBody, clinicAuth)
	assert.Equal(t, models.ResponseDuplicate, resp.Status)
}

func TestTransientFaultBeforeAuthenticationIsNotQueued(t *testing.T) {
	resolver := &brokenResolver{}
	h := newHarness(t, func(d *Dependencies) { d.Resolver = resolver })

	for _, secret := range []string{"attacker-guess", formsortSecret} {
		rec, resp := h.post(t, "/api/v1/webhooks/intake/formsort", exampleBody, map[string]string{"X-Webhook-Secret": secret})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.False(t, resp.Queued, "secret %q", secret)
	}
	assert.Equal(t, int32(4), atomic.LoadInt32(&resolver.calls))

	pending, err := h.deadLetters.Pending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReplayRefusesUnauthenticatedEntry(t *testing.T) {
	h := newHarness(t, nil)
	sealed, err := h.cipher.Encrypt(exampleBody)
	require.NoError(t, err)
	entry := deadletter.Entry{
		ID:       uuid.New(),
		Source:   "formsort",
		TenantID: h.clinic.ID.String(),
		Payload:  sealed,
		Status:   deadletter.StatusPending,
	}
	require.NoError(t, h.deadLetters.Enqueue(context.Background(), &entry))

	replayer := deadletter.NewReplayer(h.deadLetters, h.service.ReplayProcessor(h.sources), dlp.MustDefault())
	sum, err := replayer.DrainStore(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, deadletter.Summary{Failed: 1}, sum)
	assert.Equal(t, int64(0), h.patientCount(t))

	got, err := h.deadLetters.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, deadletter.StatusFailed, got.Status)
}

func TestIdenticalBytesFromAnotherClinicAreProcessed(t *testing.T) {
	h := newHarness(t, nil)
	other := h.secondClinic(t, "clinic-secret-0002")

	_, first := h.post(t, "/api/v1/webhooks/intake/generic", exampleBody, clinicAuth)
	require.Equal(t, models.ResponseProcessed, first.Status)

	rec, second := h.post(t, "/api/v1/webhooks/intake/generic", exampleBody, map[string]string{"X-Webhook-Secret": "clinic-secret-0002"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.ResponseProcessed, second.Status)
	assert.True(t, second.NewPatient)
	assert.NotEqual(t, first.PatientID, second.PatientID)
	assert.Equal(t, int64(1), h.patientCount(t))
	assert.Equal(t, int64(1), h.patientCountFor(t, other))
}

func TestUnmatchedIsScopedPerClinic(t *testing.T) {
	h := newHarness(t, nil)
	other := h.secondClinic(t, "clinic-secret-0002")
	body := `{"submission_id":"plat-77","favorite_color":"blue"}`

	rec, a := h.post(t, "/api/v1/webhooks/intake/generic", body, clinicAuth)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec, b := h.post(t, "/api/v1/webhooks/intake/generic", body, map[string]string{"X-Webhook-Secret": "clinic-secret-0002"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, models.ResponseUnmatched, a.Status)
	assert.Equal(t, models.ResponseUnmatched, b.Status)

	for _, id := range []uuid.UUID{h.clinic.ID, other.ID} {
		stored, err := h.unmatched.GetUnmatched(context.Background(), &id, "generic", "plat-77")
		require.NoError(t, err)
		assert.Equal(t, id, *stored.TenantID)
	}
}

func TestSubmissionIDCannotEscapeTenantPrefix(t *testing.T) {
	h := newHarness(t, nil)
	victim := uuid.NewString()
	body := `{"submission_id":"../` + victim + `/sub_target","email":"t@x.com","first_name":"T","last_name":"X","dob":"1970-01-01"}`

	rec, resp := h.post(t, "/api/v1/webhooks/intake/generic", body, clinicAuth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, resp.Warnings)
	require.Len(t, h.store.keys, 1)
	key := h.store.keys[0]
	assert.True(t, strings.HasPrefix(key, "intake/"+h.clinic.ID.String()+"/"), key)
	assert.NotContains(t, key, victim)
	assert.NotContains(t, key, "..")
}

func TestRedeliveryWithNewBytesKeepsDocumentID(t *testing.T) {
	h := newHarness(t, nil)
	first := `{"submission_id":"sub-42","email":"d@x.com","first_name":"Di","last_name":"Ng","dob":"1980-02-02","completed":"true"}`
	second := `{"submission_id":"sub-42","email":"d@x.com","first_name":"Di","last_name":"Ng","dob":"1980-02-02","completed":"true","goal":"sleep"}`

	_, a := h.post(t, "/api/v1/webhooks/intake/generic", first, clinicAuth)
	_, b := h.post(t, "/api/v1/webhooks/intake/generic", second, clinicAuth)
	require.Equal(t, models.ResponseProcessed, b.Status)
	assert.Equal(t, a.Document, b.Document)
	assert.Equal(t, a.ClinicalNote, b.ClinicalNote)
	assert.Equal(t, int32(1), atomic.LoadInt32(h.noteCalls))

	docs := documents.NewRepository(h.db, h.cipher)
	stored, err := docs.FindBySubmission(h.tenantCtx(), "sub-42")
	require.NoError(t, err)
	assert.Equal(t, stored.ID.String(), b.Document)
}

func TestCallerHangUpDoesNotCancelSteps(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.service.deps.Patients = &hangUpAfterCommit{inner: h.patientSvc, cancel: cancel}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/intake/generic", strings.NewReader(exampleBody)).WithContext(ctx)
	req.Header.Set("X-Webhook-Secret", clinicSecret)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	var resp models.IntakeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, resp.Warnings)
	assert.NotEmpty(t, resp.Document)
	assert.Equal(t, "note-1", resp.ClinicalNote)

	h.service.deps.Patients = h.patientSvc
	_, again := h.post(t, "/api/v1/webhooks/intake/generic", exampleBody, clinicAuth)
	assert.Equal(t, models.ResponseDuplicate, again.Status)
	assert.Equal(t, "note-1", again.ClinicalNote)
	assert.Equal(t, int32(1), atomic.LoadInt32(h.noteCalls))
}

func TestCleanupUnmatchedRemovesExpiredRows(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	old := &UnmatchedSubmission{Source: "generic", SubmissionID: "old", Reason: UnmatchedNoIdentity}
	fresh := &UnmatchedSubmission{Source: "generic", SubmissionID: "fresh", Reason: UnmatchedNoIdentity}
	require.NoError(t, h.unmatched.SaveUnmatched(ctx, old))
	require.NoError(t, h.unmatched.SaveUnmatched(ctx, fresh))
	require.NoError(t, h.db.Model(&UnmatchedSubmission{}).Where("id = ?", old.ID).Update("created_at", time.Now().UTC().Add(-48*time.Hour)).Error)

	n, err := h.unmatched.CleanupUnmatched(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = h.unmatched.GetUnmatched(ctx, nil, "generic", "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.unmatched.GetUnmatched(ctx, nil, "generic", "fresh")
	assert.NoError(t, err)

	n, err = h.unmatched.CleanupUnmatched(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSideEffectFailuresBecomeWarnings(t *testing.T) {
	h := newHarness(t, nil)
	h.store.err = errors.New("bucket unavailable for jane@x.com")

	rec, resp := h.post(t, "/api/v1/webhooks/intake/generic", exampleBody, clinicAuth)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "upload document")
	assert.NotContains(t, resp.Warnings[0], "jane@x.com")
	assert.NotEmpty(t, resp.Document)
	assert.NotEmpty(t, resp.ClinicalNote)

	rec2, _ := h.post(t, "/api/v1/webhooks/intake/generic", exampleBody, clinicAuth)
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestReferralCodeAttribution(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.CreateAffiliate(h.tenantCtx(), "SPRING", "Spring Promo")
	require.NoError(t, err)

	body := `{"email":"ref@x.com","first_name":"Ref","last_name":"Erral","dob":"1980-01-01","referral_code":"spring"}`
	_, resp := h.post(t, "/api/v1/webhooks/intake/generic", body, clinicAuth)
	require.NotNil(t, resp.Affiliate)
	assert.Equal(t, models.TierExplicit, resp.Affiliate.Tier)
	assert.Equal(t, "SPRING", resp.Affiliate.Code)
}

func TestDetectSource(t *testing.T) {
	cases := []struct {
		name   string
		target string
		header map[string]string
		want   string
	}{
		{"query", "/api/v1/webhooks/intake?source=JotForm", nil, "jotform"},
		{"typeform header", "/api/v1/webhooks/intake", map[string]string{"Typeform-Signature": "sha256=x"}, "typeform"},
		{"formsort header", "/api/v1/webhooks/intake", map[string]string{"X-Formsort-Flow": "intake"}, "formsort"},
		{"jotform agent", "/api/v1/webhooks/intake", map[string]string{"User-Agent": "JotForm Webhook"}, "jotform"},
		{"default", "/api/v1/webhooks/intake", nil, "generic"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tc.target, nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, DetectSource(req))
		})
	}

	req := mux.SetURLVars(httptest.NewRequest(http.MethodPost, "/x?source=generic", nil), map[string]string{"source": "Typeform"})
	assert.Equal(t, "typeform", DetectSource(req))
}

func TestFaultStatusCodes(t *testing.T) {
	cause := errors.New("x")
	assert.Equal(t, http.StatusUnauthorized, newFault(FaultAuthentication, "", cause).StatusCode())
	assert.Equal(t, http.StatusBadRequest, newFault(FaultPayload, "", cause).StatusCode())
	assert.Equal(t, http.StatusInternalServerError, newFault(FaultTenant, "", cause).StatusCode())
	assert.Equal(t, http.StatusInternalServerError, newFault(FaultPersistence, "", cause).StatusCode())
	assert.True(t, newFault(FaultSideEffect, "", cause).Warning())

	wrapped := newFault(FaultTenant, "resolve", tenant.ErrTenantMismatch)
	assert.ErrorIs(t, wrapped, tenant.ErrTenantMismatch)
	assert.True(t, IsFault(wrapped, FaultTenant))
	assert.False(t, IsFault(cause, FaultTenant))
}
