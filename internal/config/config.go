// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// HERMES_SECRET is the only required value: it is the admin backdoor token and
// must be set before the gateway will start. Everything else has a default.
// Redis and ClickHouse are optional — leave REDIS_ADDR and CLICKHOUSE_ADDR
// empty to run with the in-process rate limiter and no analytics export.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8000.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Secret is the admin backdoor bearer token (HERMES_SECRET). Required.
	Secret string

	// DBPath is the SQLite database file. Default: hermes.db.
	DBPath string

	// RateLimit controls the per-client sliding-window limiter.
	RateLimit RateLimitConfig

	// Redis holds the optional Redis address for the shared rate limiter.
	// Empty means the in-process limiter is used.
	Redis RedisConfig

	// ClickHouse holds the optional analytics sink connection. Empty address
	// disables the export; request logs are still persisted to SQLite.
	ClickHouse ClickHouseConfig

	// Upstream controls the outbound HTTP client and outcome classification.
	Upstream UpstreamConfig

	// Dispatcher seeds the runtime-tunable dispatch and breaker settings.
	// These are defaults only; the settings table overrides them at runtime.
	Dispatcher DispatcherConfig

	// Sync controls the provider model-sync workers.
	Sync SyncConfig

	// ModelAliases maps additional model id spellings onto canonical ids,
	// parsed from MODEL_ALIASES ("alias=canonical,alias2=canonical2").
	ModelAliases map[string]string

	// ModelsCacheTTL is how long the /v1/models response is cached. Default: 30s.
	ModelsCacheTTL time.Duration

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// RateLimitConfig controls the sliding-window admission limiter.
type RateLimitConfig struct {
	// Max is the request budget per window per client key. Default: 60.
	Max int

	// Window is the sliding window size. Default: 60s.
	Window time.Duration
}

// RedisConfig holds the optional Redis backend for the rate limiter.
type RedisConfig struct {
	// Addr is a host:port address. Empty disables Redis.
	Addr string
	// Password is the optional AUTH password.
	Password string
	// DB is the logical database number.
	DB int
}

// ClickHouseConfig holds the optional request-log analytics sink.
type ClickHouseConfig struct {
	// Addr is a host:port address. Empty disables the export.
	Addr string
	// Database is the target database. Default: "hermes".
	Database string
	// Username and Password authenticate the connection.
	Username string
	Password string
}

// UpstreamConfig controls the pooled outbound HTTP client.
type UpstreamConfig struct {
	// ConnectTimeout bounds TCP+TLS establishment. Default: 10s.
	ConnectTimeout time.Duration

	// RequestTimeout bounds a whole non-streaming request. Default: 120s.
	RequestTimeout time.Duration

	// StreamIdleTimeout aborts a stream with no bytes for this long. Default: 60s.
	StreamIdleTimeout time.Duration

	// MaxBodyBytes caps buffered (non-streaming) upstream response bodies.
	// Default: 10 MiB.
	MaxBodyBytes int64

	// QuotaSubstrings are matched (case-insensitive) against 4xx bodies to
	// detect quota exhaustion. Default: ["insufficient_quota", "quota"].
	QuotaSubstrings []string
}

// DispatcherConfig seeds the settings table on first boot.
type DispatcherConfig struct {
	// MaxRetries is the maximum number of provider attempts per request
	// (including the first). Default: 3.
	MaxRetries int

	// InitialPenalty is the first breaker cooldown. Default: 30m.
	InitialPenalty time.Duration

	// MaxPenalty caps the doubled cooldown. Default: 4h.
	MaxPenalty time.Duration

	// ResyncThreshold is the consecutive-failure count that schedules a
	// provider model re-sync. Default: 3.
	ResyncThreshold int

	// ResyncCooldown rate-limits breaker-triggered re-syncs per provider.
	// Default: 10m.
	ResyncCooldown time.Duration
}

// SyncConfig controls the model synchronization workers.
type SyncConfig struct {
	// Interval is the periodic full-sync cadence. Default: 1h.
	Interval time.Duration

	// Concurrency bounds simultaneous provider syncs. Default: 4.
	Concurrency int

	// Timeout bounds one provider's model-list fetch. Default: 30s.
	Timeout time.Duration

	// MinInterval is the per-provider sync rate floor. Default: 5s.
	MinInterval time.Duration

	// ProbeDelay paces per-model verification probes so low-RPM upstreams
	// are not hammered during a verified sync. Default: 5s.
	ProbeDelay time.Duration

	// SkipPatterns are regular expressions matched against model ids during
	// sync; matches are excluded (they cannot answer chat probes).
	SkipPatterns []string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8000)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_PATH", "hermes.db")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Rate limiter.
	v.SetDefault("RATE_LIMIT_MAX", 60)
	v.SetDefault("RATE_LIMIT_WINDOW", 60)

	// Upstream client.
	v.SetDefault("UPSTREAM_CONNECT_TIMEOUT", "10s")
	v.SetDefault("UPSTREAM_REQUEST_TIMEOUT", "120s")
	v.SetDefault("UPSTREAM_STREAM_IDLE_TIMEOUT", "60s")
	v.SetDefault("UPSTREAM_MAX_BODY_BYTES", 10<<20)
	v.SetDefault("QUOTA_ERROR_SUBSTRINGS", []string{"insufficient_quota", "quota"})

	// Dispatcher / breaker seeds.
	v.SetDefault("CHAT_MAX_RETRIES", 3)
	v.SetDefault("BREAKER_INITIAL_PENALTY", "30m")
	v.SetDefault("BREAKER_MAX_PENALTY", "4h")
	v.SetDefault("BREAKER_RESYNC_THRESHOLD", 3)
	v.SetDefault("BREAKER_RESYNC_COOLDOWN", "10m")

	// Model sync.
	v.SetDefault("SYNC_INTERVAL", "1h")
	v.SetDefault("SYNC_CONCURRENCY", 4)
	v.SetDefault("SYNC_TIMEOUT", "30s")
	v.SetDefault("SYNC_MIN_INTERVAL", "5s")
	v.SetDefault("SYNC_PROBE_DELAY", "5s")
	v.SetDefault("SYNC_SKIP_PATTERNS", []string{"embed", "whisper", "tts", "dall-e", "moderation"})

	// Models-list cache.
	v.SetDefault("MODELS_CACHE_TTL", "30s")

	// ClickHouse.
	v.SetDefault("CLICKHOUSE_DATABASE", "hermes")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
		Secret:   v.GetString("HERMES_SECRET"),
		DBPath:   v.GetString("DB_PATH"),

		RateLimit: RateLimitConfig{
			Max:    v.GetInt("RATE_LIMIT_MAX"),
			Window: time.Duration(v.GetInt("RATE_LIMIT_WINDOW")) * time.Second,
		},

		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},

		ClickHouse: ClickHouseConfig{
			Addr:     v.GetString("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},

		Upstream: UpstreamConfig{
			ConnectTimeout:    v.GetDuration("UPSTREAM_CONNECT_TIMEOUT"),
			RequestTimeout:    v.GetDuration("UPSTREAM_REQUEST_TIMEOUT"),
			StreamIdleTimeout: v.GetDuration("UPSTREAM_STREAM_IDLE_TIMEOUT"),
			MaxBodyBytes:      v.GetInt64("UPSTREAM_MAX_BODY_BYTES"),
			QuotaSubstrings:   v.GetStringSlice("QUOTA_ERROR_SUBSTRINGS"),
		},

		Dispatcher: DispatcherConfig{
			MaxRetries:      v.GetInt("CHAT_MAX_RETRIES"),
			InitialPenalty:  v.GetDuration("BREAKER_INITIAL_PENALTY"),
			MaxPenalty:      v.GetDuration("BREAKER_MAX_PENALTY"),
			ResyncThreshold: v.GetInt("BREAKER_RESYNC_THRESHOLD"),
			ResyncCooldown:  v.GetDuration("BREAKER_RESYNC_COOLDOWN"),
		},

		Sync: SyncConfig{
			Interval:     v.GetDuration("SYNC_INTERVAL"),
			Concurrency:  v.GetInt("SYNC_CONCURRENCY"),
			Timeout:      v.GetDuration("SYNC_TIMEOUT"),
			MinInterval:  v.GetDuration("SYNC_MIN_INTERVAL"),
			ProbeDelay:   v.GetDuration("SYNC_PROBE_DELAY"),
			SkipPatterns: v.GetStringSlice("SYNC_SKIP_PATTERNS"),
		},

		ModelAliases:   parseAliases(v.GetString("MODEL_ALIASES")),
		ModelsCacheTTL: v.GetDuration("MODELS_CACHE_TTL"),
		CORSOrigins:    v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Secret == "" {
		return fmt.Errorf("config: HERMES_SECRET is required (admin backdoor token)")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in 1..65535, got %d", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: DB_PATH must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.RateLimit.Max < 1 {
		return fmt.Errorf("config: RATE_LIMIT_MAX must be ≥ 1, got %d", c.RateLimit.Max)
	}
	if c.RateLimit.Window < 5*time.Second {
		return fmt.Errorf("config: RATE_LIMIT_WINDOW must be ≥ 5 (seconds), got %s", c.RateLimit.Window)
	}

	if c.Dispatcher.MaxRetries < 1 {
		return fmt.Errorf("config: CHAT_MAX_RETRIES must be ≥ 1, got %d", c.Dispatcher.MaxRetries)
	}
	if c.Dispatcher.InitialPenalty <= 0 {
		return fmt.Errorf("config: BREAKER_INITIAL_PENALTY must be a positive duration")
	}
	if c.Dispatcher.MaxPenalty < c.Dispatcher.InitialPenalty {
		return fmt.Errorf(
			"config: BREAKER_MAX_PENALTY (%s) must be ≥ BREAKER_INITIAL_PENALTY (%s)",
			c.Dispatcher.MaxPenalty, c.Dispatcher.InitialPenalty,
		)
	}
	if c.Dispatcher.ResyncThreshold < 1 {
		return fmt.Errorf("config: BREAKER_RESYNC_THRESHOLD must be ≥ 1, got %d", c.Dispatcher.ResyncThreshold)
	}

	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("config: SYNC_CONCURRENCY must be ≥ 1, got %d", c.Sync.Concurrency)
	}
	if c.Sync.Timeout <= 0 {
		return fmt.Errorf("config: SYNC_TIMEOUT must be a positive duration")
	}

	if c.Upstream.MaxBodyBytes < 1<<10 {
		return fmt.Errorf("config: UPSTREAM_MAX_BODY_BYTES must be ≥ 1024, got %d", c.Upstream.MaxBodyBytes)
	}

	return nil
}

// parseAliases parses "alias=canonical,alias2=canonical2". Malformed pairs
// are skipped; Load does not fail on them because aliases are a convenience.
func parseAliases(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		from, to, ok := strings.Cut(pair, "=")
		from, to = strings.TrimSpace(from), strings.TrimSpace(to)
		if !ok || from == "" || to == "" {
			continue
		}
		out[from] = to
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
