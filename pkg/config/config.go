// Package config loads and validates the service configuration. A YAML
// file with ${VAR} expansion is the primary source; environment
// variables overlay the file, so deployments can keep secrets out of it.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Backend names accepted by the sessions and events sections.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds the complete service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sessions SessionsConfig `yaml:"sessions"`
	Events   EventsConfig   `yaml:"events"`
	Streams  StreamsConfig  `yaml:"streams"`
	Reaper   ReaperConfig   `yaml:"reaper"`
	Identity IdentityConfig `yaml:"identity"`
}

// ServerConfig configures the HTTP server and its boundary checks.
type ServerConfig struct {
	Name    string `yaml:"name" env:"MCP_SERVER_NAME"`
	Version string `yaml:"version" env:"MCP_SERVER_VERSION"`
	Address string `yaml:"address" env:"MCP_SERVER_ADDRESS"`

	// AllowedHosts extends the loopback allow-list with the hostnames the
	// deployment serves. Loopback forms are always allowed.
	AllowedHosts []string `yaml:"allowed_hosts" env:"MCP_SERVER_ALLOWED_HOSTS"`
}

// SessionsConfig configures session metadata storage and expiry.
type SessionsConfig struct {
	Backend     string         `yaml:"backend" env:"MCP_SESSIONS_BACKEND"` // "memory", "redis", "postgres"
	IdleTimeout time.Duration  `yaml:"idle_timeout" env:"MCP_SESSIONS_IDLE_TIMEOUT"`
	Redis       RedisConfig    `yaml:"redis"`
	Postgres    PostgresConfig `yaml:"postgres"`
}

// EventsConfig configures event storage and retention.
type EventsConfig struct {
	Backend     string        `yaml:"backend" env:"MCP_EVENTS_BACKEND"` // "memory", "redis"
	SlidingTTL  time.Duration `yaml:"sliding_ttl" env:"MCP_EVENTS_SLIDING_TTL"`
	AbsoluteTTL time.Duration `yaml:"absolute_ttl" env:"MCP_EVENTS_ABSOLUTE_TTL"`
	Redis       RedisConfig   `yaml:"redis"`
}

// StreamsConfig bounds live SSE delivery per HTTP response.
type StreamsConfig struct {
	RetryInterval        time.Duration `yaml:"retry_interval" env:"MCP_STREAMS_RETRY_INTERVAL"`
	MaxStreamLife        time.Duration `yaml:"max_stream_life" env:"MCP_STREAMS_MAX_STREAM_LIFE"`
	MaxEventsPerResponse int           `yaml:"max_events_per_response" env:"MCP_STREAMS_MAX_EVENTS_PER_RESPONSE"`
}

// ReaperConfig configures idle session pruning.
type ReaperConfig struct {
	Interval time.Duration `yaml:"interval" env:"MCP_REAPER_INTERVAL"`
}

// IdentityConfig configures caller identity resolution.
type IdentityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig configures bearer-token claims extraction.
type JWTConfig struct {
	Issuer string `yaml:"issuer" env:"MCP_JWT_ISSUER"`

	// SigningKey verifies HMAC-signed tokens when set. Empty disables
	// signature verification on the assumption that an upstream gateway
	// already validated the token.
	SigningKey string `yaml:"signing_key" env:"MCP_JWT_SIGNING_KEY"`
}

// RedisConfig holds a Redis connection target.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"MCP_REDIS_ADDR"`
	Password string `yaml:"password" env:"MCP_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"MCP_REDIS_DB"`
}

// PostgresConfig holds a PostgreSQL connection target.
type PostgresConfig struct {
	DSN          string `yaml:"dsn" env:"MCP_POSTGRES_DSN"`
	MaxOpenConns int    `yaml:"max_open_conns" env:"MCP_POSTGRES_MAX_OPEN_CONNS"`
}

// LoadConfig loads configuration from a file, overlays environment
// variables, and applies defaults.
// The path is expected to come from command line arguments, controlled
// by the administrator.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Environment variables win over file values.
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// FromEnv builds a configuration from environment variables alone, for
// deployments that run without a config file.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "mcp-sessions"
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = "1.0.0"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = BackendMemory
	}
	if cfg.Sessions.IdleTimeout == 0 {
		cfg.Sessions.IdleTimeout = 2 * time.Hour
	}
	if cfg.Sessions.Postgres.MaxOpenConns == 0 {
		cfg.Sessions.Postgres.MaxOpenConns = 25
	}
	if cfg.Events.Backend == "" {
		cfg.Events.Backend = BackendMemory
	}
	if cfg.Events.SlidingTTL == 0 {
		cfg.Events.SlidingTTL = 5 * time.Minute
	}
	if cfg.Events.AbsoluteTTL == 0 {
		cfg.Events.AbsoluteTTL = 30 * time.Minute
	}
	if cfg.Streams.RetryInterval == 0 {
		cfg.Streams.RetryInterval = 3 * time.Second
	}
	if cfg.Reaper.Interval == 0 {
		cfg.Reaper.Interval = time.Minute
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	switch c.Sessions.Backend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		errs = append(errs, fmt.Sprintf("sessions.backend %q is not one of memory, redis, postgres", c.Sessions.Backend))
	}
	if c.Sessions.Backend == BackendRedis && c.Sessions.Redis.Addr == "" {
		errs = append(errs, "sessions.redis.addr is required for the redis backend")
	}
	if c.Sessions.Backend == BackendPostgres && c.Sessions.Postgres.DSN == "" {
		errs = append(errs, "sessions.postgres.dsn is required for the postgres backend")
	}
	if c.Sessions.IdleTimeout <= 0 {
		errs = append(errs, "sessions.idle_timeout must be positive")
	}

	switch c.Events.Backend {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Sprintf("events.backend %q is not one of memory, redis", c.Events.Backend))
	}
	if c.Events.Backend == BackendRedis && c.Events.Redis.Addr == "" {
		errs = append(errs, "events.redis.addr is required for the redis backend")
	}
	if c.Events.SlidingTTL <= 0 {
		errs = append(errs, "events.sliding_ttl must be positive")
	}
	if c.Events.AbsoluteTTL < c.Events.SlidingTTL {
		errs = append(errs, "events.absolute_ttl must be at least events.sliding_ttl")
	}

	if c.Streams.RetryInterval <= 0 {
		errs = append(errs, "streams.retry_interval must be positive")
	}
	if c.Streams.MaxStreamLife < 0 {
		errs = append(errs, "streams.max_stream_life must not be negative")
	}
	if c.Streams.MaxEventsPerResponse < 0 {
		errs = append(errs, "streams.max_events_per_response must not be negative")
	}
	if c.Reaper.Interval <= 0 {
		errs = append(errs, "reaper.interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
