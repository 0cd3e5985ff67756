// ABOUTME: Configuration loading and parsing for handoff-gateway
// ABOUTME: Supports YAML or TOML files with ${VAR} expansion, HANDOFF_* env overrides and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the complete handoff-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Tokens      TokensConfig      `yaml:"tokens" toml:"tokens"`
	Sessions    SessionsConfig    `yaml:"sessions" toml:"sessions"`
	Registry    RegistryConfig    `yaml:"registry" toml:"registry"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit" toml:"ratelimit"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing" toml:"tracing"`
	Maintenance MaintenanceConfig `yaml:"maintenance" toml:"maintenance"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" env:"HANDOFF_HTTP_ADDR"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr" env:"HANDOFF_GRPC_ADDR"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled" env:"HANDOFF_TAILSCALE_ENABLED"`
	Hostname  string `yaml:"hostname" toml:"hostname" env:"HANDOFF_TAILSCALE_HOSTNAME"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key" env:"HANDOFF_TAILSCALE_AUTH_KEY"`
	StateDir  string `yaml:"state_dir" toml:"state_dir" env:"HANDOFF_TAILSCALE_STATE_DIR"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Public Funnel for the HTTP listener (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	// Driver is "sqlite" (pure Go, default) or "sqlite3" (cgo).
	Driver      string        `yaml:"driver" toml:"driver" env:"HANDOFF_DATABASE_DRIVER"`
	Path        string        `yaml:"path" toml:"path" env:"HANDOFF_DATABASE_PATH"`
	BusyTimeout time.Duration `yaml:"-" toml:"-"`

	BusyTimeoutRaw string `yaml:"busy_timeout" toml:"busy_timeout" env:"HANDOFF_DATABASE_BUSY_TIMEOUT"`
}

// AuthConfig holds authentication and token-hashing secrets
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret" env:"HANDOFF_JWT_SECRET"`
	// TokenPepper keys the digests of stored service and session tokens.
	TokenPepper string `yaml:"token_pepper" toml:"token_pepper" env:"HANDOFF_TOKEN_PEPPER"`
	// ResumeSecret signs channel resume tokens. Empty disables resume.
	ResumeSecret string `yaml:"resume_secret" toml:"resume_secret" env:"HANDOFF_RESUME_SECRET"`
	Issuer       string `yaml:"issuer" toml:"issuer" env:"HANDOFF_JWT_ISSUER"`
}

// TokensConfig holds service token settings
type TokensConfig struct {
	TTL           time.Duration `yaml:"-" toml:"-"`
	AllowedScopes []string      `yaml:"allowed_scopes" toml:"allowed_scopes" env:"HANDOFF_TOKENS_ALLOWED_SCOPES" envSeparator:","`

	TTLRaw string `yaml:"ttl" toml:"ttl" env:"HANDOFF_TOKENS_TTL"`
}

// SessionsConfig holds session lifetime settings
type SessionsConfig struct {
	TTL time.Duration `yaml:"-" toml:"-"`

	TTLRaw string `yaml:"ttl" toml:"ttl" env:"HANDOFF_SESSIONS_TTL"`
}

// RegistryConfig selects and tunes the login channel registry
type RegistryConfig struct {
	// Backend is "memory" (single process) or "redis" (shared across replicas).
	Backend         string        `yaml:"backend" toml:"backend" env:"HANDOFF_REGISTRY_BACKEND"`
	ChannelTTL      time.Duration `yaml:"-" toml:"-"`
	DeliveryTimeout time.Duration `yaml:"-" toml:"-"`
	Redis           RedisConfig   `yaml:"redis" toml:"redis"`

	ChannelTTLRaw      string `yaml:"channel_ttl" toml:"channel_ttl" env:"HANDOFF_REGISTRY_CHANNEL_TTL"`
	DeliveryTimeoutRaw string `yaml:"delivery_timeout" toml:"delivery_timeout" env:"HANDOFF_REGISTRY_DELIVERY_TIMEOUT"`
}

// RedisConfig holds connection settings for the redis registry backend
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr" env:"HANDOFF_REDIS_ADDR"`
	Password string `yaml:"password" toml:"password" env:"HANDOFF_REDIS_PASSWORD"`
	DB       int    `yaml:"db" toml:"db" env:"HANDOFF_REDIS_DB"`
	Prefix   string `yaml:"prefix" toml:"prefix" env:"HANDOFF_REDIS_PREFIX"`
}

// RateLimitConfig bounds anonymous endpoints per client IP
type RateLimitConfig struct {
	RedeemPerMinute  int `yaml:"redeem_per_minute" toml:"redeem_per_minute" env:"HANDOFF_RATELIMIT_REDEEM_PER_MINUTE"`
	ChannelPerMinute int `yaml:"channel_per_minute" toml:"channel_per_minute" env:"HANDOFF_RATELIMIT_CHANNEL_PER_MINUTE"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"HANDOFF_LOG_LEVEL"`
	Format string `yaml:"format" toml:"format" env:"HANDOFF_LOG_FORMAT"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" env:"HANDOFF_METRICS_ENABLED"`
	Path    string `yaml:"path" toml:"path"`
}

// TracingConfig holds OpenTelemetry export configuration
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" toml:"enabled" env:"HANDOFF_TRACING_ENABLED"`
	Endpoint    string  `yaml:"endpoint" toml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string  `yaml:"service_name" toml:"service_name" env:"OTEL_SERVICE_NAME"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// MaintenanceConfig controls the background cleanup loop
type MaintenanceConfig struct {
	CleanupInterval time.Duration `yaml:"-" toml:"-"`
	// TokenRetention keeps spent or expired service tokens this long for forensics.
	TokenRetention time.Duration `yaml:"-" toml:"-"`

	CleanupIntervalRaw string `yaml:"cleanup_interval" toml:"cleanup_interval" env:"HANDOFF_CLEANUP_INTERVAL"`
	TokenRetentionRaw  string `yaml:"token_retention" toml:"token_retention" env:"HANDOFF_TOKEN_RETENTION"`
}

// Defaults
const (
	DefaultHTTPAddr        = "127.0.0.1:8080"
	DefaultGRPCAddr        = "127.0.0.1:50051"
	DefaultDriver          = "sqlite"
	DefaultBusyTimeout     = 5 * time.Second
	DefaultTokenTTL        = 5 * time.Minute
	DefaultSessionTTL      = 8760 * time.Hour
	DefaultChannelTTL      = 5 * time.Minute
	DefaultDeliveryTimeout = 2 * time.Second
	DefaultRedisPrefix     = "handoff:"
	DefaultRedeemPerMinute = 30
	DefaultChannelPerMin   = 20
	DefaultCleanupInterval = 10 * time.Minute
	DefaultTokenRetention  = 24 * time.Hour
	DefaultIssuer          = "handoff-gateway"

	// MinSecretLength is the minimum length of jwt_secret.
	MinSecretLength = 32
	// MaxPepperLength is the longest token_pepper the digest accepts.
	MaxPepperLength = 64
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, then HANDOFF_*
// variables override individual fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data in the format named by ext (".toml", ".yaml", ".yml").
func Parse(data []byte, ext string) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.GRPCAddr == "" && !c.Tailscale.Enabled {
		c.Server.GRPCAddr = DefaultGRPCAddr
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}
	if c.Database.BusyTimeout == 0 {
		c.Database.BusyTimeout = DefaultBusyTimeout
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = DefaultIssuer
	}
	if c.Tokens.TTL == 0 {
		c.Tokens.TTL = DefaultTokenTTL
	}
	if c.Sessions.TTL == 0 {
		c.Sessions.TTL = DefaultSessionTTL
	}
	if c.Registry.Backend == "" {
		c.Registry.Backend = "memory"
	}
	if c.Registry.ChannelTTL == 0 {
		c.Registry.ChannelTTL = DefaultChannelTTL
	}
	if c.Registry.DeliveryTimeout == 0 {
		c.Registry.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if c.Registry.Redis.Prefix == "" {
		c.Registry.Redis.Prefix = DefaultRedisPrefix
	}
	if c.RateLimit.RedeemPerMinute == 0 {
		c.RateLimit.RedeemPerMinute = DefaultRedeemPerMinute
	}
	if c.RateLimit.ChannelPerMinute == 0 {
		c.RateLimit.ChannelPerMinute = DefaultChannelPerMin
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "handoff-gateway"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}
	if c.Maintenance.CleanupInterval == 0 {
		c.Maintenance.CleanupInterval = DefaultCleanupInterval
	}
	if c.Maintenance.TokenRetention == 0 {
		c.Maintenance.TokenRetention = DefaultTokenRetention
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if len(c.Auth.JWTSecret) < MinSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinSecretLength)
	}
	if len(c.Auth.TokenPepper) > MaxPepperLength {
		return fmt.Errorf("auth.token_pepper must be at most %d bytes", MaxPepperLength)
	}

	switch c.Registry.Backend {
	case "memory":
	case "redis":
		if c.Registry.Redis.Addr == "" {
			return fmt.Errorf("registry.redis.addr is required when registry.backend is redis")
		}
	default:
		return fmt.Errorf("registry.backend must be memory or redis, got %q", c.Registry.Backend)
	}

	for name, d := range map[string]time.Duration{
		"database.busy_timeout":        c.Database.BusyTimeout,
		"tokens.ttl":                   c.Tokens.TTL,
		"sessions.ttl":                 c.Sessions.TTL,
		"registry.channel_ttl":         c.Registry.ChannelTTL,
		"registry.delivery_timeout":    c.Registry.DeliveryTimeout,
		"maintenance.cleanup_interval": c.Maintenance.CleanupInterval,
		"maintenance.token_retention":  c.Maintenance.TokenRetention,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	if c.RateLimit.RedeemPerMinute < 0 || c.RateLimit.ChannelPerMinute < 0 {
		return fmt.Errorf("ratelimit values must not be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"database.busy_timeout", cfg.Database.BusyTimeoutRaw, &cfg.Database.BusyTimeout},
		{"tokens.ttl", cfg.Tokens.TTLRaw, &cfg.Tokens.TTL},
		{"sessions.ttl", cfg.Sessions.TTLRaw, &cfg.Sessions.TTL},
		{"registry.channel_ttl", cfg.Registry.ChannelTTLRaw, &cfg.Registry.ChannelTTL},
		{"registry.delivery_timeout", cfg.Registry.DeliveryTimeoutRaw, &cfg.Registry.DeliveryTimeout},
		{"maintenance.cleanup_interval", cfg.Maintenance.CleanupIntervalRaw, &cfg.Maintenance.CleanupInterval},
		{"maintenance.token_retention", cfg.Maintenance.TokenRetentionRaw, &cfg.Maintenance.TokenRetention},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
