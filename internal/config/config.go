package config

import (
	"time"
)

type Config struct {
	Backend      BackendConfig   `mapstructure:"backend"`
	Token        TokenConfig     `mapstructure:"token"`
	Relay        RelayConfig     `mapstructure:"relay"`
	StateStorage StateStorage    `mapstructure:"state_storage"`
	Sync         SyncConfig      `mapstructure:"sync"`
	Scheduler    SchedulerConfig `mapstructure:"scheduler"`
	Server       ServerConfig    `mapstructure:"server"`
	Logging      LoggingConfig   `mapstructure:"logging"`
}

// BackendConfig points at the accounting backend's request/response API.
type BackendConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

type TokenConfig struct {
	MaxRefresh  int           `mapstructure:"max_refresh"`
	SyncTimeout time.Duration `mapstructure:"sync_timeout"`
}

// RelayConfig configures the duplex channel. DeviceID is generated at
// startup when left empty.
type RelayConfig struct {
	URL                  string        `mapstructure:"url"`
	DeviceID             string        `mapstructure:"device_id"`
	BaseDelay            time.Duration `mapstructure:"base_delay"`
	MaxDelay             time.Duration `mapstructure:"max_delay"`
	Multiplier           float64       `mapstructure:"multiplier"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ApprovalPollInterval time.Duration `mapstructure:"approval_poll_interval"`
	PingInterval         time.Duration `mapstructure:"ping_interval"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`
	MaxRetries           int           `mapstructure:"max_retries"`
	MessageTTL           time.Duration `mapstructure:"message_ttl"`
	AckTimeout           time.Duration `mapstructure:"ack_timeout"`
}

type StateStorage struct {
	Type     string `mapstructure:"type"` // mysql or sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	FilePath string `mapstructure:"file_path"` // For SQLite
}

type SyncConfig struct {
	AccountGUID     string `mapstructure:"account_guid"`
	PushConcurrency int    `mapstructure:"push_concurrency"`
	InboundBatch    int    `mapstructure:"inbound_batch"`
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
	Mode     string `mapstructure:"mode"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}
