// Package config loads process configuration from NSER_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Config is the full process configuration.
type Config struct {
	Server      Server
	Database    DatabaseConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Auth        AuthConfig
	Token       TokenConfig
	Exclusion   ExclusionConfig
	Propagation PropagationConfig
	Identity    IdentityConfig
	Scheduler   SchedulerConfig

	// OperatorsFile is the YAML operator registry. Empty means no operators.
	OperatorsFile string
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	LogLevel        slog.Level
	LogFormat       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig selects the persistence backend. An empty URL runs the
// in-memory stores.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// RedisConfig configures the exclusion lookup cache. An empty URL disables it.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures event publishing. No brokers disables it.
type KafkaConfig struct {
	Brokers        []string
	StateTopic     string
	IncidentTopic  string
	EnsureTopics   bool
	ProduceTimeout time.Duration
}

type AuthConfig struct {
	JWTSigningKey string
	Issuer        string
}

type TokenConfig struct {
	// HashKey keys owner references and scheme-2 tags. Must be stable across
	// restarts or issued tokens stop validating.
	HashKey         string
	Scheme          int
	TTL             time.Duration
	ValidateTimeout time.Duration
	CacheSize       int
	CacheStaleness  time.Duration
}

type ExclusionConfig struct {
	LookupTimeout  time.Duration
	CacheStaleness time.Duration
}

type PropagationConfig struct {
	Workers        int
	BatchSize      int
	PollInterval   time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	JitterFraction float64
	MaxAttempts    int
	DeadGrace      time.Duration
	DefaultTimeout time.Duration
	LatencyTarget  time.Duration
}

type IdentityConfig struct {
	// HashKey keys identifier hashes. Distinct from the token key.
	HashKey            string
	DuplicateThreshold float64
}

type SchedulerConfig struct {
	SweepInterval     time.Duration
	DeadSweepInterval time.Duration
	DuplicateInterval time.Duration
}

const (
	minWebhookTimeout = time.Second
	maxWebhookTimeout = 10 * time.Second
)

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	l := loader{}
	cfg := &Config{
		Server: Server{
			Addr:            l.str("NSER_ADDR", ":8080"),
			LogFormat:       l.str("NSER_LOG_FORMAT", "json"),
			ReadTimeout:     l.dur("NSER_HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    l.dur("NSER_HTTP_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     l.dur("NSER_HTTP_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: l.dur("NSER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			URL:             l.str("NSER_DATABASE_URL", ""),
			MaxOpenConns:    l.int("NSER_DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    l.int("NSER_DATABASE_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: l.dur("NSER_DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
			AutoMigrate:     l.bool("NSER_DATABASE_AUTO_MIGRATE", false),
		},
		Redis: RedisConfig{
			URL:          l.str("NSER_REDIS_URL", ""),
			PoolSize:     l.int("NSER_REDIS_POOL_SIZE", 20),
			MinIdleConns: l.int("NSER_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  l.dur("NSER_REDIS_DIAL_TIMEOUT", 2*time.Second),
			ReadTimeout:  l.dur("NSER_REDIS_READ_TIMEOUT", 50*time.Millisecond),
			WriteTimeout: l.dur("NSER_REDIS_WRITE_TIMEOUT", 50*time.Millisecond),
		},
		Kafka: KafkaConfig{
			Brokers:        l.list("NSER_KAFKA_BROKERS"),
			StateTopic:     l.str("NSER_KAFKA_STATE_TOPIC", "nser.exclusion.state"),
			IncidentTopic:  l.str("NSER_KAFKA_INCIDENT_TOPIC", "nser.compliance.incidents"),
			EnsureTopics:   l.bool("NSER_KAFKA_ENSURE_TOPICS", false),
			ProduceTimeout: l.dur("NSER_KAFKA_PRODUCE_TIMEOUT", 2*time.Second),
		},
		Auth: AuthConfig{
			JWTSigningKey: l.str("NSER_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
			Issuer:        l.str("NSER_JWT_ISSUER", "nser"),
		},
		Token: TokenConfig{
			HashKey:         l.str("NSER_TOKEN_HASH_KEY", "dev-token-key-change-in-production"),
			Scheme:          l.int("NSER_TOKEN_SCHEME", 2),
			TTL:             l.dur("NSER_TOKEN_TTL", 0),
			ValidateTimeout: l.dur("NSER_TOKEN_VALIDATE_TIMEOUT", 20*time.Millisecond),
			CacheSize:       l.int("NSER_TOKEN_CACHE_SIZE", 100_000),
			CacheStaleness:  l.dur("NSER_TOKEN_CACHE_STALENESS", time.Second),
		},
		Exclusion: ExclusionConfig{
			LookupTimeout:  l.dur("NSER_EXCLUSION_LOOKUP_TIMEOUT", 50*time.Millisecond),
			CacheStaleness: l.dur("NSER_EXCLUSION_CACHE_STALENESS", 2*time.Second),
		},
		Propagation: PropagationConfig{
			Workers:        l.int("NSER_PROPAGATION_WORKERS", 16),
			BatchSize:      l.int("NSER_PROPAGATION_BATCH_SIZE", 64),
			PollInterval:   l.dur("NSER_PROPAGATION_POLL_INTERVAL", 500*time.Millisecond),
			BackoffBase:    l.dur("NSER_PROPAGATION_BACKOFF_BASE", 2*time.Second),
			BackoffCap:     l.dur("NSER_PROPAGATION_BACKOFF_CAP", 10*time.Minute),
			JitterFraction: l.float("NSER_PROPAGATION_JITTER", 0.2),
			MaxAttempts:    l.int("NSER_PROPAGATION_MAX_ATTEMPTS", 8),
			DeadGrace:      l.dur("NSER_PROPAGATION_DEAD_GRACE", 24*time.Hour),
			DefaultTimeout: l.dur("NSER_PROPAGATION_WEBHOOK_TIMEOUT", 5*time.Second),
			LatencyTarget:  l.dur("NSER_PROPAGATION_LATENCY_TARGET", 60*time.Second),
		},
		Identity: IdentityConfig{
			HashKey:            l.str("NSER_IDENTITY_HASH_KEY", "dev-identity-key-change-in-production"),
			DuplicateThreshold: l.float("NSER_IDENTITY_DUPLICATE_THRESHOLD", 0.6),
		},
		Scheduler: SchedulerConfig{
			SweepInterval:     l.dur("NSER_SWEEP_INTERVAL", time.Minute),
			DeadSweepInterval: l.dur("NSER_DEAD_SWEEP_INTERVAL", 5*time.Minute),
			DuplicateInterval: l.dur("NSER_DUPLICATE_SCAN_INTERVAL", time.Hour),
		},
		OperatorsFile: l.str("NSER_OPERATORS_FILE", ""),
	}
	cfg.Server.LogLevel = l.level("NSER_LOG_LEVEL", slog.LevelInfo)

	if err := errors.Join(l.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.LogFormat != "json" && c.Server.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("NSER_LOG_FORMAT: unsupported format %q (json, text)", c.Server.LogFormat))
	}
	if c.Token.Scheme != 1 && c.Token.Scheme != 2 {
		errs = append(errs, fmt.Errorf("NSER_TOKEN_SCHEME: unsupported scheme %d", c.Token.Scheme))
	}
	if c.Token.HashKey == "" || c.Identity.HashKey == "" {
		errs = append(errs, errors.New("token and identity hash keys are required"))
	}
	if c.Token.ValidateTimeout <= 0 || c.Exclusion.LookupTimeout <= 0 {
		errs = append(errs, errors.New("hot-path timeouts must be > 0"))
	}
	if c.Exclusion.CacheStaleness > 2*time.Second {
		errs = append(errs, errors.New("NSER_EXCLUSION_CACHE_STALENESS: must not exceed 2s"))
	}
	p := c.Propagation
	if p.Workers < 1 || p.BatchSize < 1 || p.MaxAttempts < 1 {
		errs = append(errs, errors.New("propagation workers, batch size and max attempts must be >= 1"))
	}
	if p.BackoffBase <= 0 || p.BackoffCap < p.BackoffBase {
		errs = append(errs, errors.New("propagation backoff: base must be > 0 and cap >= base"))
	}
	if p.JitterFraction < 0 || p.JitterFraction >= 1 {
		errs = append(errs, errors.New("NSER_PROPAGATION_JITTER: must be in [0,1)"))
	}
	if p.DefaultTimeout < minWebhookTimeout || p.DefaultTimeout > maxWebhookTimeout {
		errs = append(errs, fmt.Errorf("NSER_PROPAGATION_WEBHOOK_TIMEOUT: must be within %s..%s", minWebhookTimeout, maxWebhookTimeout))
	}
	if c.Identity.DuplicateThreshold <= 0 || c.Identity.DuplicateThreshold > 1 {
		errs = append(errs, errors.New("NSER_IDENTITY_DUPLICATE_THRESHOLD: must be in (0,1]"))
	}
	return errors.Join(errs...)
}

// ClampWebhookTimeout bounds a per-operator timeout to the allowed range,
// substituting def when unset.
func ClampWebhookTimeout(d, def time.Duration) time.Duration {
	if d <= 0 {
		d = def
	}
	return min(max(d, minWebhookTimeout), maxWebhookTimeout)
}

// loader collects parse errors so Load reports all of them at once.
type loader struct {
	errs []error
}

func (l *loader) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (l *loader) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (l *loader) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return def
	}
	return f
}

func (l *loader) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}

func (l *loader) dur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: invalid duration %q (use Go format: 30s, 1h, 15m)", key, v))
		return def
	}
	return d
}

func (l *loader) list(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for part := range strings.SplitSeq(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (l *loader) level(key string, def slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		l.errs = append(l.errs, fmt.Errorf("%s: invalid level %q (debug, info, warn, error)", key, v))
		return def
	}
}
