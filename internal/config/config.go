// Package config loads the engine's settings from environment variables,
// applies defaults, normalizes values and validates the result. Settings
// cover the HTTP server, logging, the SQLite persistence collaborator, the
// shared kv store, the platform client and every engine policy knob.
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
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// CacheConfig shapes verification cache lifetimes.
type CacheConfig struct {
	PositiveTTL    time.Duration // POSITIVE_TTL_SECONDS
	NegativeTTL    time.Duration // NEGATIVE_TTL_SECONDS
	JitterFraction float64       // JITTER_FRACTION in [0,1)
}

// DispatcherConfig shapes outbound platform call admission.
type DispatcherConfig struct {
	Burst        int     // DISPATCHER_BURST_CAPACITY
	Rate         float64 // DISPATCHER_SUSTAINED_RATE (calls/s)
	BatchShare   float64 // DISPATCHER_BATCH_SHARE in (0,1]
	MaxInFlight  int     // DISPATCHER_MAX_INFLIGHT
	GlobalBudget bool    // DISPATCHER_GLOBAL_BUDGET
	MaxRetries   int     // MAX_RETRIES

	InteractiveTimeout time.Duration // INTERACTIVE_TIMEOUT_MS
	EventTimeout       time.Duration // PER_CHECK_TIMEOUT_MS
	BatchTimeout       time.Duration // BATCH_TIMEOUT_MS

	InitialBackoff time.Duration // RETRY_INITIAL_BACKOFF_MS
	MaxBackoff     time.Duration // RETRY_MAX_BACKOFF_MS
}

// PolicyConfig holds evaluation and enforcement policy.
type PolicyConfig struct {
	CheckConcurrency int           // CHECK_CONCURRENCY
	ResolverTTL      time.Duration // RESOLVER_TTL
	ResolverTimeout  time.Duration // RESOLVER_TIMEOUT
	FailClosed       bool          // FAIL_CLOSED
	PromptCooldown   time.Duration // PROMPT_COOLDOWN
	EventDedupTTL    time.Duration // EVENT_DEDUP_TTL
	MaxRescanUsers   int           // MAX_RESCAN_USERS
	AuditRetention   time.Duration // AUDIT_RETENTION (0 keeps everything)
}

// StoreConfig locates the shared kv store.
type StoreConfig struct {
	Addr          string        // VALKEY_ADDR; empty runs memory-only
	Password      string        // VALKEY_PASSWORD
	DB            int           // VALKEY_DB
	KeyPrefix     string        // CACHE_KEY_PREFIX
	RetryInterval time.Duration // CACHE_RETRY_INTERVAL
}

// PlatformConfig configures the chat platform client.
type PlatformConfig struct {
	Token   string        // BOT_TOKEN
	BaseURL string        // PLATFORM_API_URL
	Timeout time.Duration // PLATFORM_TIMEOUT
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool
	SwaggerEnabled bool
	APIBasePath    string

	// Persistence
	DBPath string

	// Inbound HTTP rate limiting
	RateRPS   float64
	RateBurst int

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency-Key replay window for POST endpoints
	IdempotencyTTL time.Duration

	// Engine
	Cache      CacheConfig
	Dispatcher DispatcherConfig
	Policy     PolicyConfig
	Store      StoreConfig
	Platform   PlatformConfig

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

// Load reads configuration from environment variables, applies defaults,
// normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		DBPath: getenv("DB_PATH", "changuard.db"),

		RateRPS:   getfloat("RATE_RPS", 50.0),
		RateBurst: getint("RATE_BURST", 100),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		Cache: CacheConfig{
			PositiveTTL:    getseconds("POSITIVE_TTL_SECONDS", 600),
			NegativeTTL:    getseconds("NEGATIVE_TTL_SECONDS", 60),
			JitterFraction: getfloat("JITTER_FRACTION", 0.15),
		},
		Dispatcher: DispatcherConfig{
			Burst:              getint("DISPATCHER_BURST_CAPACITY", 20),
			Rate:               getfloat("DISPATCHER_SUSTAINED_RATE", 20),
			BatchShare:         getfloat("DISPATCHER_BATCH_SHARE", 0.1),
			MaxInFlight:        getint("DISPATCHER_MAX_INFLIGHT", 8),
			GlobalBudget:       getbool("DISPATCHER_GLOBAL_BUDGET", false),
			MaxRetries:         getint("MAX_RETRIES", 3),
			InteractiveTimeout: getmillis("INTERACTIVE_TIMEOUT_MS", 900),
			EventTimeout:       getmillis("PER_CHECK_TIMEOUT_MS", 500),
			BatchTimeout:       getmillis("BATCH_TIMEOUT_MS", 30000),
			InitialBackoff:     getmillis("RETRY_INITIAL_BACKOFF_MS", 1000),
			MaxBackoff:         getmillis("RETRY_MAX_BACKOFF_MS", 30000),
		},
		Policy: PolicyConfig{
			CheckConcurrency: getint("CHECK_CONCURRENCY", 4),
			ResolverTTL:      getdur("RESOLVER_TTL", 10*time.Second),
			ResolverTimeout:  getdur("RESOLVER_TIMEOUT", 300*time.Millisecond),
			FailClosed:       getbool("FAIL_CLOSED", false),
			PromptCooldown:   getdur("PROMPT_COOLDOWN", time.Minute),
			EventDedupTTL:    getdur("EVENT_DEDUP_TTL", 10*time.Minute),
			MaxRescanUsers:   getint("MAX_RESCAN_USERS", 1000),
			AuditRetention:   getdur("AUDIT_RETENTION", 0),
		},
		Store: StoreConfig{
			Addr:          getenv("VALKEY_ADDR", ""),
			Password:      getenv("VALKEY_PASSWORD", ""),
			DB:            getint("VALKEY_DB", 0),
			KeyPrefix:     getenv("CACHE_KEY_PREFIX", "changuard:"),
			RetryInterval: getdur("CACHE_RETRY_INTERVAL", 5*time.Second),
		},
		Platform: PlatformConfig{
			Token:   getenv("BOT_TOKEN", ""),
			BaseURL: strings.TrimRight(getenv("PLATFORM_API_URL", "https://api.telegram.org"), "/"),
			Timeout: getdur("PLATFORM_TIMEOUT", 5*time.Second),
		},

		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "changuard"),
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

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return errors.New("DB_PATH must not be empty")
	}
	if cfg.RateRPS < 0 {
		return errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	c := cfg.Cache
	if c.PositiveTTL < time.Second || c.NegativeTTL < time.Second {
		return errors.New("POSITIVE_TTL_SECONDS and NEGATIVE_TTL_SECONDS must be >= 1")
	}
	if c.NegativeTTL > c.PositiveTTL {
		return errors.New("NEGATIVE_TTL_SECONDS must not exceed POSITIVE_TTL_SECONDS")
	}
	if c.JitterFraction < 0 || c.JitterFraction >= 1 {
		return errors.New("JITTER_FRACTION must be in [0,1)")
	}

	d := cfg.Dispatcher
	if d.Burst < 1 {
		return errors.New("DISPATCHER_BURST_CAPACITY must be >= 1")
	}
	if d.Rate <= 0 {
		return errors.New("DISPATCHER_SUSTAINED_RATE must be > 0")
	}
	if d.BatchShare <= 0 || d.BatchShare > 1 {
		return errors.New("DISPATCHER_BATCH_SHARE must be in (0,1]")
	}
	if d.MaxInFlight < 1 {
		return errors.New("DISPATCHER_MAX_INFLIGHT must be >= 1")
	}
	if d.MaxRetries < 0 {
		return errors.New("MAX_RETRIES must be >= 0")
	}
	if d.InteractiveTimeout < 0 || d.EventTimeout < 0 || d.BatchTimeout < 0 {
		return errors.New("lane timeouts must be >= 0")
	}
	if d.InitialBackoff <= 0 || d.MaxBackoff < d.InitialBackoff {
		return errors.New("RETRY_INITIAL_BACKOFF_MS must be > 0 and <= RETRY_MAX_BACKOFF_MS")
	}

	p := cfg.Policy
	if p.CheckConcurrency < 1 {
		return errors.New("CHECK_CONCURRENCY must be >= 1")
	}
	if p.ResolverTTL < 0 || p.ResolverTimeout <= 0 {
		return errors.New("RESOLVER_TTL must be >= 0 and RESOLVER_TIMEOUT > 0")
	}
	if p.PromptCooldown < 0 || p.EventDedupTTL <= 0 {
		return errors.New("PROMPT_COOLDOWN must be >= 0 and EVENT_DEDUP_TTL > 0")
	}
	if p.MaxRescanUsers < 1 {
		return errors.New("MAX_RESCAN_USERS must be >= 1")
	}
	if p.AuditRetention < 0 {
		return errors.New("AUDIT_RETENTION must be >= 0")
	}

	if cfg.Store.Addr != "" && cfg.Store.RetryInterval <= 0 {
		return errors.New("CACHE_RETRY_INTERVAL must be > 0")
	}
	if cfg.Platform.Timeout <= 0 {
		return errors.New("PLATFORM_TIMEOUT must be > 0")
	}
	if !strings.HasPrefix(cfg.Platform.BaseURL, "http://") && !strings.HasPrefix(cfg.Platform.BaseURL, "https://") {
		return fmt.Errorf("PLATFORM_API_URL must be an http(s) URL, got %q", cfg.Platform.BaseURL)
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

// getseconds reads an integer number of seconds.
func getseconds(k string, def int) time.Duration {
	return time.Duration(getint(k, def)) * time.Second
}

// getmillis reads an integer number of milliseconds.
func getmillis(k string, def int) time.Duration {
	return time.Duration(getint(k, def)) * time.Millisecond
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
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
