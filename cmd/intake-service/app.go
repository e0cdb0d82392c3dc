package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/synaptica-ai/intake/pkg/attribution"
	"github.com/synaptica-ai/intake/pkg/audit"
	"github.com/synaptica-ai/intake/pkg/common/config"
	"github.com/synaptica-ai/intake/pkg/common/database"
	"github.com/synaptica-ai/intake/pkg/common/kafka"
	"github.com/synaptica-ai/intake/pkg/common/logger"
	"github.com/synaptica-ai/intake/pkg/deadletter"
	"github.com/synaptica-ai/intake/pkg/dlp"
	"github.com/synaptica-ai/intake/pkg/documents"
	"github.com/synaptica-ai/intake/pkg/idempotency"
	"github.com/synaptica-ai/intake/pkg/ingestion"
	"github.com/synaptica-ai/intake/pkg/normalizer"
	"github.com/synaptica-ai/intake/pkg/notes"
	"github.com/synaptica-ai/intake/pkg/notify"
	"github.com/synaptica-ai/intake/pkg/patient"
	"github.com/synaptica-ai/intake/pkg/phi"
	"github.com/synaptica-ai/intake/pkg/tenant"
	"gorm.io/gorm"
)

// app holds every wired component of the service.
type app struct {
	cfg      *config.Config
	sources  config.SourcesConfig
	db       *gorm.DB
	redis    *redis.Client
	redactor *dlp.Detector

	clinics     *tenant.Repository
	patients    *patient.Repository
	idempotency *idempotency.Repository
	documents   *documents.Repository
	notes       *notes.Repository
	attribution *attribution.GormEngine
	audit       *audit.GormWriter
	unmatched   *ingestion.Repository
	deadLetters *deadletter.Repository

	notifyProducer *kafka.Producer
	dlqProducer    *kafka.Producer

	service *ingestion.Service
}

func newApp(ctx context.Context) (*app, error) {
	cfg := config.Load()

	sources, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		return nil, fmt.Errorf("load webhook sources: %w", err)
	}

	rules, err := dlp.LoadRules(cfg.DLPRulesFile)
	if err != nil {
		logger.Log.WithError(err).Warn("falling back to default DLP rules")
		rules = dlp.DefaultRules()
	}
	redactor, err := dlp.NewDetector(rules)
	if err != nil {
		return nil, fmt.Errorf("compile DLP rules: %w", err)
	}

	key, err := phi.LoadMasterKey(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load PHI key: %w", err)
	}
	cipher, err := phi.NewAEADCipher(key)
	if err != nil {
		return nil, err
	}

	db, err := database.GetPostgres()
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	rdb, err := database.NewRedis(ctx, cfg)
	if err != nil {
		logger.Log.WithError(err).Warn("redis unreachable at startup, continuing")
	}

	a := &app{
		cfg:         cfg,
		sources:     sources,
		db:          db,
		redis:       rdb,
		redactor:    redactor,
		clinics:     tenant.NewRepository(db, cipher),
		patients:    patient.NewRepository(db),
		idempotency: idempotency.NewRepository(db),
		documents:   documents.NewRepository(db, cipher),
		notes:       notes.NewRepository(db),
		attribution: attribution.NewGormEngine(db, cfg.TouchWindow),
		audit:       audit.NewGormWriter(db, redactor),
		unmatched:   ingestion.NewRepository(db),
		deadLetters: deadletter.NewRepository(db),
	}

	a.notifyProducer = kafka.NewProducer(cfg.KafkaBrokers, cfg.NotificationTopic)
	a.dlqProducer = kafka.NewProducer(cfg.KafkaBrokers, cfg.DeadLetterTopic)

	var store documents.ObjectStore
	if cfg.DocumentsBucket != "" {
		s3Store, err := documents.NewS3StoreFromEnv(ctx, cfg.DocumentsBucket, cfg.DocumentsRegion)
		if err != nil {
			logger.Log.WithError(err).Warn("document uploads disabled")
		} else {
			store = s3Store
		}
	}

	generator := notes.NewHTTPGenerator(notes.GeneratorConfig{
		BaseURL:      cfg.NotesBaseURL,
		Timeout:      cfg.CollaboratorTimeout,
		ClientID:     cfg.NotesClientID,
		ClientSecret: cfg.NotesClientSecret,
		TokenURL:     cfg.NotesTokenURL,
	})

	a.service = ingestion.NewService(ingestion.Dependencies{
		Resolver:   tenant.NewResolver(a.clinics),
		Clinics:    a.clinics,
		Verifier:   tenant.NewAuthenticator(a.clinics),
		Guard:      idempotency.NewGuard(a.idempotency, rdb, cfg.IdempotencyCacheTTL, cfg.IdempotencyClaimTTL),
		Normalizer: normalizer.NewRegistry(),
		Patients: patient.NewService(a.patients, cipher, patient.NewRedisSequencer(rdb, a.patients), patient.Options{
			Window:        cfg.PatientMatchWindow,
			Attempts:      cfg.PatientCreateAttempts,
			RelookupAfter: cfg.PatientRelookupAfter,
		}),
		Renderer:      documents.NewXLSXRenderer(),
		Store:         store,
		Documents:     a.documents,
		Notes:         notes.NewService(generator, a.notes),
		Attribution:   a.attribution,
		Audit:         a.audit,
		Notifier:      notify.NewKafkaNotifier(a.notifyProducer),
		Unmatched:     a.unmatched,
		DeadLetters:   deadletter.NewQueue(a.deadLetters, deadletter.NewKafkaWriter(a.dlqProducer), redactor),
		Retrier:       deadletter.NewRetrier(cfg.RetryAttempts, cfg.RetryBaseDelay),
		Cipher:        cipher,
		Redactor:      redactor,
		StepTimeout:   cfg.CollaboratorTimeout,
		NotifyTimeout: cfg.CollaboratorTimeout,
	})
	return a, nil
}

func (a *app) migrate() error {
	for _, step := range []struct {
		name string
		run  func() error
	}{
		{"clinics", a.clinics.AutoMigrate},
		{"patients", a.patients.AutoMigrate},
		{"idempotency_records", a.idempotency.AutoMigrate},
		{"documents", a.documents.AutoMigrate},
		{"clinical_notes", a.notes.AutoMigrate},
		{"attribution", a.attribution.AutoMigrate},
		{"audit_events", a.audit.AutoMigrate},
		{"unmatched_submissions", a.unmatched.AutoMigrate},
		{"dead_letters", a.deadLetters.AutoMigrate},
	} {
		if err := step.run(); err != nil {
			return fmt.Errorf("migrate %s: %w", step.name, err)
		}
	}
	return nil
}

func (a *app) ready(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if a.redis == nil {
		return nil
	}
	if err := a.redis.Ping(ctx).Err(); err != nil {
		// The idempotency claim degrades without redis; report but stay ready.
		logger.FromContext(ctx).WithError(err).Warn("redis unavailable")
	}
	return nil
}

func (a *app) close() {
	for _, p := range []*kafka.Producer{a.notifyProducer, a.dlqProducer} {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil {
			logger.Log.WithError(err).Warn("failed to close kafka producer")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.Log.WithError(err).Warn("failed to close redis")
		}
	}
	if err := database.ClosePostgres(); err != nil {
		logger.Log.WithError(err).Warn("failed to close postgres")
	}
}
