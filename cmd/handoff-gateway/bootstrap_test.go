// ABOUTME: Tests for bootstrap argument parsing and generated config
// ABOUTME: The generated config must load and validate as-is

package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/handoff-gateway/internal/config"
	"github.com/2389/handoff-gateway/internal/store"
)

func TestParseBootstrapArgs(t *testing.T) {
	opts, err := parseBootstrapArgs([]string{"--name", "Ada Lovelace", "--email=ada@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", opts.Name)
	assert.Equal(t, "ada@example.com", opts.Email)
	assert.Equal(t, store.RoleOwner, opts.Role)

	opts, err = parseBootstrapArgs([]string{"-n", "Bob", "-e", "bob@example.com", "-r", "member"})
	require.NoError(t, err)
	assert.Equal(t, store.RoleMember, opts.Role)
}

func TestParseBootstrapArgs_Errors(t *testing.T) {
	tests := map[string][]string{
		"missing name":   {"--email", "a@example.com"},
		"blank name":     {"--name", "  ", "--email", "a@example.com"},
		"missing email":  {"--name", "Ada"},
		"bad email":      {"--name", "Ada", "--email", "ada"},
		"bad role":       {"--name", "Ada", "--email", "a@example.com", "--role", "root"},
		"unknown flag":   {"--name", "Ada", "--verbose"},
		"missing value":  {"--name"},
		"positional arg": {"Ada"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := parseBootstrapArgs(args)
			assert.Error(t, err)
		})
	}
}

func TestWriteDefaultConfig_Loads(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config", "gateway.yaml")
	dbPath := filepath.Join(dir, "data", "gateway.db")

	require.NoError(t, writeDefaultConfig(configPath, dbPath))

	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, dbPath, cfg.Database.Path)
	assert.GreaterOrEqual(t, len(cfg.Auth.JWTSecret), config.MinSecretLength)
	assert.NotEmpty(t, cfg.Auth.TokenPepper)
	assert.NotEmpty(t, cfg.Auth.ResumeSecret)
	assert.NotEqual(t, cfg.Auth.JWTSecret, cfg.Auth.TokenPepper)
}
