package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "FIELDSYNC"

// LoadConfig reads path (yaml) on top of the built-in defaults. A missing
// file is not an error; environment variables such as
// FIELDSYNC_BACKEND_BASE_URL override both.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.base_url", "")
	v.SetDefault("backend.request_timeout", "30s")
	v.SetDefault("backend.user_agent", "field-sync-service")

	v.SetDefault("token.max_refresh", 3)
	v.SetDefault("token.sync_timeout", "10s")

	v.SetDefault("relay.url", "")
	v.SetDefault("relay.device_id", "")
	v.SetDefault("relay.base_delay", "1s")
	v.SetDefault("relay.max_delay", "60s")
	v.SetDefault("relay.multiplier", 2.0)
	v.SetDefault("relay.max_reconnect_attempts", 10)
	v.SetDefault("relay.approval_poll_interval", "30s")
	v.SetDefault("relay.ping_interval", "25s")
	v.SetDefault("relay.write_timeout", "10s")
	v.SetDefault("relay.max_retries", 3)
	v.SetDefault("relay.message_ttl", "24h")
	v.SetDefault("relay.ack_timeout", "30s")

	v.SetDefault("state_storage.type", "sqlite")
	v.SetDefault("state_storage.file_path", "fieldsync.db")

	v.SetDefault("sync.account_guid", "")
	v.SetDefault("sync.push_concurrency", 4)
	v.SetDefault("sync.inbound_batch", 200)

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", "@every 15m")
	v.SetDefault("scheduler.mode", "diff")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "0s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
}

// Validate rejects values the sync core cannot run with.
func (c *Config) Validate() error {
	switch c.StateStorage.Type {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported state_storage.type %q", c.StateStorage.Type)
	}
	if c.Token.MaxRefresh < 1 {
		return fmt.Errorf("token.max_refresh must be positive, got %d", c.Token.MaxRefresh)
	}
	if c.Token.SyncTimeout <= 0 {
		return fmt.Errorf("token.sync_timeout must be positive")
	}
	if c.Relay.MaxRetries < 1 {
		return fmt.Errorf("relay.max_retries must be positive, got %d", c.Relay.MaxRetries)
	}
	if c.Relay.BaseDelay <= 0 || c.Relay.MaxDelay < c.Relay.BaseDelay {
		return fmt.Errorf("relay delays invalid: base=%s max=%s", c.Relay.BaseDelay, c.Relay.MaxDelay)
	}
	if c.Relay.Multiplier < 1 {
		return fmt.Errorf("relay.multiplier must be >= 1, got %v", c.Relay.Multiplier)
	}
	switch c.Scheduler.Mode {
	case "full", "diff":
	default:
		return fmt.Errorf("unsupported scheduler.mode %q", c.Scheduler.Mode)
	}
	return nil
}
