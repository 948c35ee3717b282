package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Token.MaxRefresh)
	assert.Equal(t, 10*time.Second, cfg.Token.SyncTimeout)
	assert.Equal(t, 3, cfg.Relay.MaxRetries)
	assert.Equal(t, 24*time.Hour, cfg.Relay.MessageTTL)
	assert.Equal(t, time.Second, cfg.Relay.BaseDelay)
	assert.Equal(t, "sqlite", cfg.StateStorage.Type)
	assert.Equal(t, "diff", cfg.Scheduler.Mode)
	assert.Equal(t, 15*time.Second, cfg.Server.GetReadTimeout())
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
backend:
  base_url: https://erp.example.com/api
  request_timeout: 5s
token:
  max_refresh: 5
relay:
  url: wss://relay.example.com
  base_delay: 500ms
  max_delay: 10s
state_storage:
  type: mysql
  host: db
  port: 3306
scheduler:
  enabled: true
  interval: "@every 1m"
  mode: full
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://erp.example.com/api", cfg.Backend.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Backend.RequestTimeout)
	assert.Equal(t, 5, cfg.Token.MaxRefresh)
	assert.Equal(t, 500*time.Millisecond, cfg.Relay.BaseDelay)
	assert.Equal(t, "mysql", cfg.StateStorage.Type)
	assert.Equal(t, 3306, cfg.StateStorage.Port)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "full", cfg.Scheduler.Mode)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("FIELDSYNC_BACKEND_BASE_URL", "http://env.example.com")
	t.Setenv("FIELDSYNC_SYNC_ACCOUNT_GUID", "acc-env")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "http://env.example.com", cfg.Backend.BaseURL)
	assert.Equal(t, "acc-env", cfg.Sync.AccountGUID)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown storage", func(c *Config) { c.StateStorage.Type = "postgres" }},
		{"zero refresh ceiling", func(c *Config) { c.Token.MaxRefresh = 0 }},
		{"zero bridge timeout", func(c *Config) { c.Token.SyncTimeout = 0 }},
		{"zero relay retries", func(c *Config) { c.Relay.MaxRetries = 0 }},
		{"max delay below base", func(c *Config) { c.Relay.MaxDelay = c.Relay.BaseDelay / 2 }},
		{"shrinking multiplier", func(c *Config) { c.Relay.Multiplier = 0.5 }},
		{"unknown scheduler mode", func(c *Config) { c.Scheduler.Mode = "both" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
