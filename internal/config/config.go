// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, database and Redis connections, rate limiting, idempotency,
// webhook verification, outbox and job delivery, the automation provider
// and observability.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-dispatch-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects the database.
type DBConfig struct {
	Driver   string // DB_DRIVER: sqlite|postgres
	Path     string // DB_PATH (sqlite)
	URL      string // DATABASE_URL (postgres)
	MaxConns int    // DB_MAX_CONNS
}

// RedisConfig enables the Redis nonce cache and rate-limit counters.
type RedisConfig struct {
	URL    string // REDIS_URL; empty falls back to SQL nonces and in-process counters
	Prefix string // REDIS_PREFIX
}

// RateLimitConfig is a fixed window: Limit requests per Window per tenant
// (or client IP). Limit 0 disables limiting.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

// WebhookConfig verifies provider callbacks.
type WebhookConfig struct {
	Secret string        // WEBHOOK_SECRET
	Skew   time.Duration // WEBHOOK_SKEW
}

// DeliveryConfig is the retry budget and pacing shared by the outbox relay
// and the dispatch worker.
type DeliveryConfig struct {
	BatchSize    int
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Jitter       time.Duration
	Lease        time.Duration
	PollInterval time.Duration
	Timeout      time.Duration
	Concurrency  int
}

// OutboxConfig adds the event sink to the delivery settings.
type OutboxConfig struct {
	Endpoint string // OUTBOX_ENDPOINT; empty means events are only logged
	DeliveryConfig
}

// ProviderConfig configures the outbound automation provider client.
type ProviderConfig struct {
	URL         string
	Token       string
	Timeout     time.Duration
	RPS         float64
	Burst       int
	CallbackURL string
}

// BreakerConfig tunes the circuit breakers in front of outbound HTTP.
type BreakerConfig struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	ShutdownTimeout   time.Duration // grace period for in-flight work
	MaxHeaderBytes    int           // bytes
	MaxBodyBytes      int64         // request body cap for write endpoints
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Storage
	DB    DBConfig
	Redis RedisConfig

	// Web protection
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid
	SweepInterval  time.Duration // how often expired keys and nonces are purged

	// Delivery
	Webhook  WebhookConfig
	Outbox   OutboxConfig
	Jobs     DeliveryConfig
	Provider ProviderConfig
	Breaker  BreakerConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   getdur("SHUTDOWN_TIMEOUT", 15*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:      int64(getint("MAX_BODY_BYTES", 1<<20)),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DB: DBConfig{
			Driver:   strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:     getenv("DB_PATH", "dispatch.db"),
			URL:      getenv("DATABASE_URL", ""),
			MaxConns: getint("DB_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			URL:    getenv("REDIS_URL", ""),
			Prefix: getenv("REDIS_PREFIX", "dispatch:"),
		},

		// Web protection
		RateLimit: RateLimitConfig{
			Limit:  getint("RATE_LIMIT", 120),
			Window: getdur("RATE_WINDOW", time.Minute),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),
		SweepInterval:  getdur("SWEEP_INTERVAL", 10*time.Minute),

		// Delivery
		Webhook: WebhookConfig{
			Secret: getenv("WEBHOOK_SECRET", ""),
			Skew:   getdur("WEBHOOK_SKEW", 300*time.Second),
		},
		Outbox: OutboxConfig{
			Endpoint: getenv("OUTBOX_ENDPOINT", ""),
			DeliveryConfig: DeliveryConfig{
				BatchSize:    getint("OUTBOX_BATCH_SIZE", 50),
				MaxAttempts:  getint("OUTBOX_MAX_ATTEMPTS", 8),
				BaseDelay:    getdur("OUTBOX_BASE_DELAY", time.Second),
				MaxDelay:     getdur("OUTBOX_MAX_DELAY", 5*time.Minute),
				Jitter:       getdur("OUTBOX_JITTER", 250*time.Millisecond),
				Lease:        getdur("OUTBOX_LEASE", time.Minute),
				PollInterval: getdur("OUTBOX_POLL_INTERVAL", time.Second),
				Timeout:      getdur("OUTBOX_TIMEOUT", 10*time.Second),
				Concurrency:  getint("OUTBOX_CONCURRENCY", 4),
			},
		},
		Jobs: DeliveryConfig{
			BatchSize:    getint("JOB_BATCH_SIZE", 20),
			MaxAttempts:  getint("JOB_MAX_ATTEMPTS", 5),
			BaseDelay:    getdur("JOB_BASE_DELAY", 2*time.Second),
			MaxDelay:     getdur("JOB_MAX_DELAY", 2*time.Minute),
			Jitter:       getdur("JOB_JITTER", 500*time.Millisecond),
			Lease:        getdur("JOB_LEASE", 2*time.Minute),
			PollInterval: getdur("JOB_POLL_INTERVAL", time.Second),
			Timeout:      getdur("JOB_TIMEOUT", 30*time.Second),
			Concurrency:  getint("JOB_CONCURRENCY", 4),
		},
		Provider: ProviderConfig{
			URL:         getenv("PROVIDER_URL", ""),
			Token:       getenv("PROVIDER_TOKEN", ""),
			Timeout:     getdur("PROVIDER_TIMEOUT", 10*time.Second),
			RPS:         getfloat("PROVIDER_RPS", 5),
			Burst:       getint("PROVIDER_BURST", 10),
			CallbackURL: getenv("PROVIDER_CALLBACK_URL", ""),
		},
		Breaker: BreakerConfig{
			MaxFailures: uint32(max(getint("BREAKER_MAX_FAILURES", 5), 0)),
			OpenTimeout: getdur("BREAKER_OPEN_TIMEOUT", 30*time.Second),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-dispatch-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DB.Driver == "postgresql" {
		cfg.DB.Driver = "postgres"
	}
	cfg.Provider.URL = strings.TrimRight(strings.TrimSpace(cfg.Provider.URL), "/")

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 || cfg.ShutdownTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 || cfg.MaxBodyBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES and MAX_BODY_BYTES must be > 0")
	}
	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DB.URL) == "" {
			return cfg, errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be sqlite or postgres")
	}
	if cfg.RateLimit.Limit < 0 {
		return cfg, errors.New("RATE_LIMIT must be >= 0")
	}
	if cfg.RateLimit.Window <= 0 {
		return cfg, errors.New("RATE_WINDOW must be > 0")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.SweepInterval <= 0 {
		return cfg, errors.New("SWEEP_INTERVAL must be > 0")
	}
	if cfg.Webhook.Skew <= 0 {
		return cfg, errors.New("WEBHOOK_SKEW must be > 0")
	}
	if err := cfg.Outbox.validate("OUTBOX"); err != nil {
		return cfg, err
	}
	if err := cfg.Jobs.validate("JOB"); err != nil {
		return cfg, err
	}
	if cfg.Provider.RPS < 0 || cfg.Provider.Burst < 0 || cfg.Provider.Timeout <= 0 {
		return cfg, errors.New("PROVIDER_RPS and PROVIDER_BURST must be >= 0, PROVIDER_TIMEOUT > 0")
	}
	if cfg.Breaker.OpenTimeout <= 0 {
		return cfg, errors.New("BREAKER_OPEN_TIMEOUT must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

func (d DeliveryConfig) validate(prefix string) error {
	switch {
	case d.MaxAttempts < 1:
		return fmt.Errorf("%s_MAX_ATTEMPTS must be >= 1", prefix)
	case d.BatchSize < 1 || d.Concurrency < 1:
		return fmt.Errorf("%s_BATCH_SIZE and %s_CONCURRENCY must be >= 1", prefix, prefix)
	case d.BaseDelay <= 0 || d.MaxDelay < d.BaseDelay:
		return fmt.Errorf("%s_BASE_DELAY must be > 0 and <= %s_MAX_DELAY", prefix, prefix)
	case d.Jitter < 0:
		return fmt.Errorf("%s_JITTER must be >= 0", prefix)
	case d.Lease <= 0 || d.PollInterval <= 0 || d.Timeout <= 0:
		return fmt.Errorf("%s lease, poll interval and timeout must be > 0", prefix)
	case d.Timeout >= d.Lease:
		return fmt.Errorf("%s_TIMEOUT must be shorter than the lease", prefix)
	}
	return nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
