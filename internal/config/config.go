package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Rate limit scopes.
const (
	ScopeWorkspace = "workspace"
	ScopeStage     = "stage"
)

// Config holds all configuration for the issuehunter server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	NATS      NATSConfig
	AWS       AWSConfig
	Ingest    IngestConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port int
	Env  string
	// RequestsPerMinute is the per-API-key HTTP request budget.
	RequestsPerMinute int
	MigrationsDir     string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type NATSConfig struct {
	// URL is optional; events are dropped when unset.
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
}

type AWSConfig struct {
	Region          string
	RolePrefix      string
	SessionDuration time.Duration
}

type IngestConfig struct {
	// IgnoreLogGroupPrefix drops batches from the service's own log groups.
	IgnoreLogGroupPrefix  string
	LineConcurrency       int
	SourcemapFetchTimeout time.Duration
	SourcemapBucket       string
	SourcemapBlobTTL      time.Duration
	PersistAttempts       int
	// ReplayRetention is how long processed batch markers are kept. It must
	// cover the delivery stream's redelivery window.
	ReplayRetention time.Duration
	PruneInterval   time.Duration
}

type RateLimitConfig struct {
	Scope   string
	PerHour int64
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:              envInt("ISSUEHUNTER_PORT", 8080),
			Env:               envString("ISSUEHUNTER_ENV", "development"),
			RequestsPerMinute: envInt("API_REQUESTS_PER_MINUTE", 600),
			MigrationsDir:     envString("MIGRATIONS_DIR", "migrations"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		NATS: NATSConfig{
			URL:           os.Getenv("NATS_URL"),
			Name:          envString("NATS_CLIENT_NAME", "issuehunter"),
			MaxReconnects: envInt("NATS_MAX_RECONNECTS", 10),
			ReconnectWait: envDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		},
		AWS: AWSConfig{
			Region:          envString("AWS_REGION", "us-east-1"),
			RolePrefix:      envString("AWS_ROLE_PREFIX", "sst-"),
			SessionDuration: envDurationSecs("AWS_SESSION_DURATION_SECS", 900*time.Second),
		},
		Ingest: IngestConfig{
			IgnoreLogGroupPrefix:  os.Getenv("INGEST_IGNORE_LOG_GROUP_PREFIX"),
			LineConcurrency:       envInt("INGEST_LINE_CONCURRENCY", 16),
			SourcemapFetchTimeout: envDuration("SOURCEMAP_FETCH_TIMEOUT", 10*time.Second),
			SourcemapBucket:       os.Getenv("SOURCEMAP_BUCKET"),
			SourcemapBlobTTL:      envDuration("SOURCEMAP_BLOB_TTL", 24*time.Hour),
			PersistAttempts:       envInt("INGEST_PERSIST_ATTEMPTS", 3),
			ReplayRetention:       envDuration("INGEST_REPLAY_RETENTION", 72*time.Hour),
			PruneInterval:         envDuration("INGEST_PRUNE_INTERVAL", 15*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Scope:   strings.ToLower(envString("RATE_LIMIT_SCOPE", ScopeWorkspace)),
			PerHour: int64(envInt("RATE_LIMIT_PER_HOUR", 10_000)),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.NATS.URL != "" && !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
		return fmt.Errorf("NATS_URL must start with nats:// or tls://, got %q", c.NATS.URL)
	}

	if c.RateLimit.Scope != ScopeWorkspace && c.RateLimit.Scope != ScopeStage {
		return fmt.Errorf("RATE_LIMIT_SCOPE must be one of workspace, stage; got %q", c.RateLimit.Scope)
	}
	if c.RateLimit.PerHour <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_HOUR must be positive, got %d", c.RateLimit.PerHour)
	}

	if c.Ingest.LineConcurrency <= 0 {
		return fmt.Errorf("INGEST_LINE_CONCURRENCY must be positive, got %d", c.Ingest.LineConcurrency)
	}
	if c.Ingest.PersistAttempts <= 0 {
		return fmt.Errorf("INGEST_PERSIST_ATTEMPTS must be positive, got %d", c.Ingest.PersistAttempts)
	}
	if c.Ingest.ReplayRetention < time.Hour {
		return fmt.Errorf("INGEST_REPLAY_RETENTION must be at least 1h, got %s", c.Ingest.ReplayRetention)
	}
	if c.Ingest.PruneInterval <= 0 {
		return fmt.Errorf("INGEST_PRUNE_INTERVAL must be positive, got %s", c.Ingest.PruneInterval)
	}

	if d := c.AWS.SessionDuration; d < 900*time.Second || d > 12*time.Hour {
		return fmt.Errorf("AWS_SESSION_DURATION_SECS must be between 900 and 43200, got %d", int(d.Seconds()))
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
