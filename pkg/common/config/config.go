package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64
	RateLimitRPS   int
	RateLimitBurst int

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers      []string
	KafkaGroupID      string
	NotificationTopic string
	DeadLetterTopic   string

	// Webhook sources
	SourcesFile string

	// PHI
	PHIKeySource string
	PHIMasterKey string
	VaultAddress string
	VaultToken   string
	VaultMount   string
	VaultPath    string

	// Identity resolution
	PatientMatchWindow    int
	PatientCreateAttempts int
	PatientRelookupAfter  int

	// Idempotency
	IdempotencyCacheTTL time.Duration
	IdempotencyClaimTTL time.Duration

	// Unmatched retention
	UnmatchedRetention     time.Duration
	UnmatchedSweepInterval time.Duration

	// Retry / dead letter
	RetryAttempts  int
	RetryBaseDelay time.Duration

	// Collaborators
	CollaboratorTimeout time.Duration
	NotesBaseURL        string
	NotesClientID       string
	NotesClientSecret   string
	NotesTokenURL       string
	DocumentsBucket     string
	DocumentsRegion     string
	TouchWindow         time.Duration
	DLPRulesFile        string
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 2*1024*1024)),
		RateLimitRPS:   getIntEnv("RATE_LIMIT_RPS", 50),
		RateLimitBurst: getIntEnv("RATE_LIMIT_BURST", 100),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "intake"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "intake"),
		PostgresDB:       getEnv("POSTGRES_DB", "intake"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:      getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:      getEnv("KAFKA_GROUP_ID", "intake-service"),
		NotificationTopic: getEnv("NOTIFICATION_TOPIC", "intake-notifications"),
		DeadLetterTopic:   getEnv("DEAD_LETTER_TOPIC", "intake-dlq"),

		SourcesFile: getEnv("SOURCES_FILE", ""),

		PHIKeySource: getEnv("PHI_KEY_SOURCE", "env"),
		PHIMasterKey: getEnv("PHI_MASTER_KEY", ""),
		VaultAddress: getEnv("VAULT_ADDR", ""),
		VaultToken:   getEnv("VAULT_TOKEN", ""),
		VaultMount:   getEnv("VAULT_MOUNT", "secret"),
		VaultPath:    getEnv("VAULT_PHI_PATH", "intake/phi"),

		PatientMatchWindow:    getIntEnv("PATIENT_MATCH_WINDOW", 500),
		PatientCreateAttempts: getIntEnv("PATIENT_CREATE_ATTEMPTS", 5),
		PatientRelookupAfter:  getIntEnv("PATIENT_RELOOKUP_AFTER", 2),

		IdempotencyCacheTTL: getDuration("IDEMPOTENCY_CACHE_TTL", 72*time.Hour),
		IdempotencyClaimTTL: getDuration("IDEMPOTENCY_CLAIM_TTL", 2*time.Minute),

		UnmatchedRetention:     getDuration("UNMATCHED_RETENTION", 90*24*time.Hour),
		UnmatchedSweepInterval: getDuration("UNMATCHED_SWEEP_INTERVAL", time.Hour),

		RetryAttempts:  getIntEnv("RETRY_ATTEMPTS", 3),
		RetryBaseDelay: getDuration("RETRY_BASE_DELAY", 200*time.Millisecond),

		CollaboratorTimeout: getDuration("COLLABORATOR_TIMEOUT", 10*time.Second),
		NotesBaseURL:        getEnv("NOTES_BASE_URL", "http://localhost:8090"),
		NotesClientID:       getEnv("NOTES_CLIENT_ID", ""),
		NotesClientSecret:   getEnv("NOTES_CLIENT_SECRET", ""),
		NotesTokenURL:       getEnv("NOTES_TOKEN_URL", ""),
		DocumentsBucket:     getEnv("DOCUMENTS_BUCKET", ""),
		DocumentsRegion:     getEnv("DOCUMENTS_REGION", "us-east-1"),
		TouchWindow:         getDuration("REFERRAL_TOUCH_WINDOW", 30*24*time.Hour),
		DLPRulesFile:        getEnv("DLP_RULES_FILE", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
