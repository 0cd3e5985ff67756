// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion and overrides, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  grpc_addr: "0.0.0.0:50051"
  http_addr: "0.0.0.0:8080"

database:
  driver: "sqlite3"
  path: "./test.db"
  busy_timeout: "10s"

auth:
  jwt_secret: "`+testSecret+`"
  token_pepper: "pepper"

tokens:
  ttl: "300s"
  allowed_scopes:
    - "wiki"
    - "chat"

sessions:
  ttl: "720h"

registry:
  backend: "redis"
  channel_ttl: "2m"
  delivery_timeout: "500ms"
  redis:
    addr: "localhost:6379"
    db: 2

ratelimit:
  redeem_per_minute: 60

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true

maintenance:
  cleanup_interval: "1m"
  token_retention: "1h"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50051")
	}
	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, "sqlite3")
	}
	if cfg.Database.BusyTimeout != 10*time.Second {
		t.Errorf("Database.BusyTimeout = %v, want %v", cfg.Database.BusyTimeout, 10*time.Second)
	}
	if cfg.Tokens.TTL != 5*time.Minute {
		t.Errorf("Tokens.TTL = %v, want %v", cfg.Tokens.TTL, 5*time.Minute)
	}
	if !slices.Equal(cfg.Tokens.AllowedScopes, []string{"wiki", "chat"}) {
		t.Errorf("Tokens.AllowedScopes = %v", cfg.Tokens.AllowedScopes)
	}
	if cfg.Sessions.TTL != 720*time.Hour {
		t.Errorf("Sessions.TTL = %v, want %v", cfg.Sessions.TTL, 720*time.Hour)
	}
	if cfg.Registry.Backend != "redis" {
		t.Errorf("Registry.Backend = %q, want redis", cfg.Registry.Backend)
	}
	if cfg.Registry.ChannelTTL != 2*time.Minute {
		t.Errorf("Registry.ChannelTTL = %v, want %v", cfg.Registry.ChannelTTL, 2*time.Minute)
	}
	if cfg.Registry.DeliveryTimeout != 500*time.Millisecond {
		t.Errorf("Registry.DeliveryTimeout = %v, want %v", cfg.Registry.DeliveryTimeout, 500*time.Millisecond)
	}
	if cfg.Registry.Redis.DB != 2 {
		t.Errorf("Registry.Redis.DB = %d, want 2", cfg.Registry.Redis.DB)
	}
	if cfg.RateLimit.RedeemPerMinute != 60 {
		t.Errorf("RateLimit.RedeemPerMinute = %d, want 60", cfg.RateLimit.RedeemPerMinute)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Maintenance.CleanupInterval != time.Minute {
		t.Errorf("Maintenance.CleanupInterval = %v, want %v", cfg.Maintenance.CleanupInterval, time.Minute)
	}
	if cfg.Maintenance.TokenRetention != time.Hour {
		t.Errorf("Maintenance.TokenRetention = %v, want %v", cfg.Maintenance.TokenRetention, time.Hour)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[database]
path = "./test.db"

[auth]
jwt_secret = "`+testSecret+`"

[tokens]
ttl = "90s"
allowed_scopes = ["wiki"]

[registry]
backend = "memory"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Tokens.TTL != 90*time.Second {
		t.Errorf("Tokens.TTL = %v, want %v", cfg.Tokens.TTL, 90*time.Second)
	}
	if len(cfg.Tokens.AllowedScopes) != 1 || cfg.Tokens.AllowedScopes[0] != "wiki" {
		t.Errorf("Tokens.AllowedScopes = %v", cfg.Tokens.AllowedScopes)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
database:
  path: "./test.db"
auth:
  jwt_secret: "`+testSecret+`"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"Server.HTTPAddr", cfg.Server.HTTPAddr, DefaultHTTPAddr},
		{"Server.GRPCAddr", cfg.Server.GRPCAddr, DefaultGRPCAddr},
		{"Database.Driver", cfg.Database.Driver, "sqlite"},
		{"Database.BusyTimeout", cfg.Database.BusyTimeout, DefaultBusyTimeout},
		{"Tokens.TTL", cfg.Tokens.TTL, 5 * time.Minute},
		{"Sessions.TTL", cfg.Sessions.TTL, 8760 * time.Hour},
		{"Registry.Backend", cfg.Registry.Backend, "memory"},
		{"Registry.ChannelTTL", cfg.Registry.ChannelTTL, 5 * time.Minute},
		{"Registry.DeliveryTimeout", cfg.Registry.DeliveryTimeout, 2 * time.Second},
		{"Registry.Redis.Prefix", cfg.Registry.Redis.Prefix, "handoff:"},
		{"RateLimit.RedeemPerMinute", cfg.RateLimit.RedeemPerMinute, DefaultRedeemPerMinute},
		{"Logging.Level", cfg.Logging.Level, "info"},
		{"Logging.Format", cfg.Logging.Format, "text"},
		{"Metrics.Path", cfg.Metrics.Path, "/metrics"},
		{"Auth.Issuer", cfg.Auth.Issuer, DefaultIssuer},
		{"Maintenance.CleanupInterval", cfg.Maintenance.CleanupInterval, DefaultCleanupInterval},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_HANDOFF_SECRET", testSecret)
	t.Setenv("TEST_HANDOFF_PEPPER", "pepper-from-env")

	configPath := writeConfig(t, "config.yaml", `
database:
  path: "./test.db"
auth:
  jwt_secret: "${TEST_HANDOFF_SECRET}"
  token_pepper: "${TEST_HANDOFF_PEPPER}"
  resume_secret: "${TEST_HANDOFF_UNSET_VAR}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != testSecret {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, testSecret)
	}
	if cfg.Auth.TokenPepper != "pepper-from-env" {
		t.Errorf("Auth.TokenPepper = %q, want %q", cfg.Auth.TokenPepper, "pepper-from-env")
	}
	if cfg.Auth.ResumeSecret != "" {
		t.Errorf("Auth.ResumeSecret = %q, want empty", cfg.Auth.ResumeSecret)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HANDOFF_HTTP_ADDR", "0.0.0.0:9090")
	t.Setenv("HANDOFF_DATABASE_PATH", "/tmp/override.db")
	t.Setenv("HANDOFF_TOKENS_TTL", "1m")
	t.Setenv("HANDOFF_TOKENS_ALLOWED_SCOPES", "wiki,chat,docs")
	t.Setenv("HANDOFF_REGISTRY_BACKEND", "redis")
	t.Setenv("HANDOFF_REDIS_ADDR", "redis:6379")

	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "`+testSecret+`"
tokens:
  ttl: "5m"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "0.0.0.0:9090" {
		t.Errorf("Server.HTTPAddr = %q, want override", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Path != "/tmp/override.db" {
		t.Errorf("Database.Path = %q, want override", cfg.Database.Path)
	}
	if cfg.Tokens.TTL != time.Minute {
		t.Errorf("Tokens.TTL = %v, want %v", cfg.Tokens.TTL, time.Minute)
	}
	if !slices.Equal(cfg.Tokens.AllowedScopes, []string{"wiki", "chat", "docs"}) {
		t.Errorf("Tokens.AllowedScopes = %v", cfg.Tokens.AllowedScopes)
	}
	if cfg.Registry.Backend != "redis" || cfg.Registry.Redis.Addr != "redis:6379" {
		t.Errorf("Registry = %+v", cfg.Registry)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing database path",
			content: "auth:\n  jwt_secret: \"" + testSecret + "\"\n",
			wantErr: "database.path is required",
		},
		{
			name:    "short jwt secret",
			content: "database:\n  path: x.db\nauth:\n  jwt_secret: short\n",
			wantErr: "auth.jwt_secret",
		},
		{
			name:    "long pepper",
			content: "database:\n  path: x.db\nauth:\n  jwt_secret: \"" + testSecret + "\"\n  token_pepper: \"" + strings.Repeat("p", 65) + "\"\n",
			wantErr: "auth.token_pepper",
		},
		{
			name:    "bad duration",
			content: "database:\n  path: x.db\nauth:\n  jwt_secret: \"" + testSecret + "\"\ntokens:\n  ttl: soon\n",
			wantErr: "tokens.ttl",
		},
		{
			name:    "negative duration",
			content: "database:\n  path: x.db\nauth:\n  jwt_secret: \"" + testSecret + "\"\nsessions:\n  ttl: -1h\n",
			wantErr: "sessions.ttl must not be negative",
		},
		{
			name:    "unknown driver",
			content: "database:\n  path: x.db\n  driver: postgres\nauth:\n  jwt_secret: \"" + testSecret + "\"\n",
			wantErr: "database.driver",
		},
		{
			name:    "redis without addr",
			content: "database:\n  path: x.db\nauth:\n  jwt_secret: \"" + testSecret + "\"\nregistry:\n  backend: redis\n",
			wantErr: "registry.redis.addr",
		},
		{
			name:    "unknown backend",
			content: "database:\n  path: x.db\nauth:\n  jwt_secret: \"" + testSecret + "\"\nregistry:\n  backend: etcd\n",
			wantErr: "registry.backend",
		},
		{
			name:    "bad log level",
			content: "database:\n  path: x.db\nauth:\n  jwt_secret: \"" + testSecret + "\"\nlogging:\n  level: loud\n",
			wantErr: "logging.level",
		},
		{
			name:    "tailscale without hostname",
			content: "database:\n  path: x.db\nauth:\n  jwt_secret: \"" + testSecret + "\"\ntailscale:\n  enabled: true\n",
			wantErr: "tailscale.hostname",
		},
		{
			name:    "malformed yaml",
			content: "database: [\n",
			wantErr: "parsing config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "config.yaml", tt.content))
			if err == nil {
				t.Fatal("Load() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("Load() error = %v, want reading error", err)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_EXPAND_A", "alpha")

	got := expandEnvVars("a=${TEST_EXPAND_A} b=${TEST_EXPAND_UNSET} c=$TEST_EXPAND_A")
	want := "a=alpha b= c=$TEST_EXPAND_A"
	if got != want {
		t.Errorf("expandEnvVars() = %q, want %q", got, want)
	}
}
