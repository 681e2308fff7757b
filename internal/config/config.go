// Package config loads the execution plane's environment-driven
// configuration, one field per the enumerated options of spec.md
// section 6, following the teacher's getEnvDefault fallback pattern.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable named in spec.md section 6.
type Config struct {
	CoordinatorID string

	DatabaseURL string
	NATSURL     string
	BboltPath   string

	HTTPAddr    string
	ControlAuth string

	OTELEndpoint string
	JSONLog      bool
	LogLevel     string

	MaxConcurrentRunsPerCoordinator int
	DefaultStepTimeout              time.Duration
	DefaultRunTimeout               time.Duration
	DefaultMaxRetries               int
	RetryBackoffBase                time.Duration
	RetryBackoffCap                 time.Duration
	RetryJitterFrac                 float64

	TenantRatePerSecond float64
	TenantBurst         int
	NodeTypeRatePerSec  float64
	NodeTypeBurst       int

	CoordinatorLease       time.Duration
	LeaseRenewInterval     time.Duration
	InboxCapacity          int
	WorkQueuePrefetch      int
}

// Load reads every field from its environment variable, falling back to
// a sane default when unset or unparseable — the teacher's
// getEnvDefault shape, generalized across typed fields.
func Load() Config {
	return Config{
		CoordinatorID: getEnvDefault("COORDINATOR_ID", "coordinator-1"),

		DatabaseURL: getEnvDefault("DATABASE_URL", "postgres://localhost:5432/swarm?sslmode=disable"),
		NATSURL:     getEnvDefault("NATS_URL", natsDefaultURL),
		BboltPath:   getEnvDefault("SCHEDULE_DB_PATH", "./data/schedules.db"),

		HTTPAddr:    getEnvDefault("HTTP_ADDR", ":8080"),
		ControlAuth: getEnvDefault("CONTROL_API_KEY", ""),

		OTELEndpoint: getEnvDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		JSONLog:      getEnvBool("SWARM_JSON_LOG", false),
		LogLevel:     getEnvDefault("SWARM_LOG_LEVEL", "info"),

		MaxConcurrentRunsPerCoordinator: getEnvInt("MAX_CONCURRENT_RUNS", 256),
		DefaultStepTimeout:              getEnvDuration("DEFAULT_STEP_TIMEOUT", 30*time.Second),
		DefaultRunTimeout:               getEnvDuration("DEFAULT_RUN_TIMEOUT", 1*time.Hour),
		DefaultMaxRetries:               getEnvInt("DEFAULT_MAX_RETRIES", 3),
		RetryBackoffBase:                getEnvDuration("RETRY_BACKOFF_BASE", 100*time.Millisecond),
		RetryBackoffCap:                 getEnvDuration("RETRY_BACKOFF_CAP", 30*time.Second),
		RetryJitterFrac:                 getEnvFloat("RETRY_JITTER_FRAC", 0.2),

		TenantRatePerSecond: getEnvFloat("TENANT_RATE_PER_SECOND", 50),
		TenantBurst:         getEnvInt("TENANT_BURST", 100),
		NodeTypeRatePerSec:  getEnvFloat("NODE_TYPE_RATE_PER_SECOND", 20),
		NodeTypeBurst:       getEnvInt("NODE_TYPE_BURST", 40),

		CoordinatorLease:   getEnvDuration("COORDINATOR_LEASE", 30*time.Second),
		LeaseRenewInterval: getEnvDuration("LEASE_RENEW_INTERVAL", 10*time.Second),
		InboxCapacity:      getEnvInt("INBOX_CAPACITY", 128),
		WorkQueuePrefetch:  getEnvInt("WORK_QUEUE_PREFETCH", 32),
	}
}

const natsDefaultURL = "nats://localhost:4222"

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
