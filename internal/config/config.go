package config

import (
	"encoding/json"
	"errors"
	"time"
)

// Config represents the lifeline configuration
type Config struct {
	// StateDir holds the PID file, tokens and the default data root.
	StateDir string `json:"state_dir" mapstructure:"state_dir"`

	// DataDir holds one profile directory per session plus snapshots.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Log      LogConfig      `json:"log" mapstructure:"log"`
	Server   ServerConfig   `json:"server" mapstructure:"server"`
	Tokens   TokensConfig   `json:"tokens" mapstructure:"tokens"`
	Backup   BackupConfig   `json:"backup" mapstructure:"backup"`
	Health   HealthConfig   `json:"health" mapstructure:"health"`
	Browser  BrowserConfig  `json:"browser" mapstructure:"browser"`
	Sessions SessionsConfig `json:"sessions" mapstructure:"sessions"`
	Webhook  WebhookConfig  `json:"webhook" mapstructure:"webhook"`
	Export   ExportConfig   `json:"export" mapstructure:"export"`
	Tracing  TracingConfig  `json:"tracing" mapstructure:"tracing"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	Format    string `json:"format" mapstructure:"format"` // console, json
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// ServerConfig holds the control API listener
type ServerConfig struct {
	Host   string `json:"host" mapstructure:"host"`
	Port   int    `json:"port" mapstructure:"port"`
	Secret string `json:"secret" mapstructure:"secret"`
	// RateLimit is requests per minute per client IP, 0 disables it.
	RateLimit int `json:"rate_limit" mapstructure:"rate_limit"`
}

// TokensConfig selects the token store backend
type TokensConfig struct {
	Backend         string `json:"backend" mapstructure:"backend"` // file, sqlite, redis, mongo
	Dir             string `json:"dir" mapstructure:"dir"`
	SQLitePath      string `json:"sqlite_path" mapstructure:"sqlite_path"`
	RedisURL        string `json:"redis_url" mapstructure:"redis_url"`
	RedisPrefix     string `json:"redis_prefix" mapstructure:"redis_prefix"`
	MongoURL        string `json:"mongo_url" mapstructure:"mongo_url"`
	MongoDatabase   string `json:"mongo_database" mapstructure:"mongo_database"`
	MongoCollection string `json:"mongo_collection" mapstructure:"mongo_collection"`
}

// BackupConfig holds per-session snapshot settings
type BackupConfig struct {
	Interval       time.Duration `json:"interval" mapstructure:"interval"`
	StabilizeDelay time.Duration `json:"stabilize_delay" mapstructure:"stabilize_delay"`
	RequiredDirs   []string      `json:"required_dirs" mapstructure:"required_dirs"`
	RemoveRetries  int           `json:"remove_retries" mapstructure:"remove_retries"`
}

// HealthConfig holds the periodic health check schedule
type HealthConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	Interval     time.Duration `json:"interval" mapstructure:"interval"`
	Cron         string        `json:"cron" mapstructure:"cron"`
	ProbeTimeout time.Duration `json:"probe_timeout" mapstructure:"probe_timeout"`
}

// BrowserConfig holds the remote client launch settings
type BrowserConfig struct {
	Bin            string            `json:"bin" mapstructure:"bin"`
	Headless       bool              `json:"headless" mapstructure:"headless"`
	NoSandbox      bool              `json:"no_sandbox" mapstructure:"no_sandbox"`
	Args           map[string]string `json:"args" mapstructure:"args"`
	AppURL         string            `json:"app_url" mapstructure:"app_url"`
	ConnectTimeout time.Duration     `json:"connect_timeout" mapstructure:"connect_timeout"`
	LoadTimeout    time.Duration     `json:"load_timeout" mapstructure:"load_timeout"`
	BridgeScript   string            `json:"bridge_script" mapstructure:"bridge_script"`
}

// SessionsConfig holds supervisor limits
type SessionsConfig struct {
	MaxSessions      int    `json:"max_sessions" mapstructure:"max_sessions"`
	StartAllOnBoot   bool   `json:"start_all_on_boot" mapstructure:"start_all_on_boot"`
	StartConcurrency int    `json:"start_concurrency" mapstructure:"start_concurrency"`
	DeviceName       string `json:"device_name" mapstructure:"device_name"`
	PoweredBy        string `json:"powered_by" mapstructure:"powered_by"`
}

// WebhookConfig holds webhook delivery settings
type WebhookConfig struct {
	DefaultURL string        `json:"default_url" mapstructure:"default_url"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
}

// ExportConfig holds bulk backup settings
type ExportConfig struct {
	MaxImportSize int64    `json:"max_import_size" mapstructure:"max_import_size"`
	S3            S3Config `json:"s3" mapstructure:"s3"`
}

// S3Config holds the off-site bucket for exports
type S3Config struct {
	Bucket         string `json:"bucket" mapstructure:"bucket"`
	Region         string `json:"region" mapstructure:"region"`
	Endpoint       string `json:"endpoint" mapstructure:"endpoint"`
	AccessKeyID    string `json:"access_key_id" mapstructure:"access_key_id"`
	SecretKey      string `json:"secret_key" mapstructure:"secret_key"`
	ForcePathStyle bool   `json:"force_path_style" mapstructure:"force_path_style"`
}

// Enabled reports whether an export bucket is configured.
func (s S3Config) Enabled() bool {
	return s.Bucket != ""
}

// TracingConfig toggles the otel tracer provider
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config with default values. Paths are left empty
// and resolved against the home directory by the loader.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:     "info",
			Format:    "console",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      21465,
			RateLimit: 120,
		},
		Tokens: TokensConfig{
			Backend:         "file",
			RedisPrefix:     "lifeline:tokens:",
			MongoDatabase:   "lifeline",
			MongoCollection: "tokens",
		},
		Backup: BackupConfig{
			Interval:       60 * time.Second,
			StabilizeDelay: 60 * time.Second,
			RequiredDirs:   []string{"Default/IndexedDB", "Default/Local Storage"},
			RemoveRetries:  3,
		},
		Health: HealthConfig{
			Enabled:      true,
			Interval:     10 * time.Minute,
			ProbeTimeout: 30 * time.Second,
		},
		Browser: BrowserConfig{
			Headless:       true,
			Args:           map[string]string{},
			AppURL:         "https://web.whatsapp.com",
			ConnectTimeout: 3 * time.Minute,
			LoadTimeout:    60 * time.Second,
		},
		Sessions: SessionsConfig{
			MaxSessions:      0,
			StartAllOnBoot:   true,
			StartConcurrency: 4,
			DeviceName:       "Lifeline",
			PoweredBy:        "Lifeline",
		},
		Webhook: WebhookConfig{
			Timeout: 10 * time.Second,
		},
		Export: ExportConfig{
			MaxImportSize: 2 << 30,
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Tracing: TracingConfig{
			ServiceName: "lifeline",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}
