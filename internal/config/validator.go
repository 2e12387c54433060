package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

func oneOf(field, value string, valid ...string) error {
	for _, v := range valid {
		if value == v {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %q (must be one of: %s)", field, value, strings.Join(valid, ", "))
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, "debug", "info", "warn", "error")
}

// ValidateLogFormat validates the console format
func (v *Validator) ValidateLogFormat(format string) error {
	if format == "" {
		return nil
	}
	return oneOf("log format", format, "console", "json")
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateURL validates an absolute http(s) URL. Empty is allowed.
func (v *Validator) ValidateURL(field, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s must be an absolute http(s) URL, got %q", field, raw)
	}
	return nil
}

// ValidateCron validates a standard five-field cron expression. Empty is
// allowed.
func (v *Validator) ValidateCron(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid health cron %q: %w", expr, err)
	}
	return nil
}

// ValidateTokens validates the token store section
func (v *Validator) ValidateTokens(t TokensConfig) []error {
	var errs []error
	if err := oneOf("token backend", t.Backend, "file", "sqlite", "redis", "mongo"); err != nil {
		return append(errs, err)
	}
	switch t.Backend {
	case "redis":
		if t.RedisURL == "" {
			errs = append(errs, fmt.Errorf("tokens.redis_url is required for the redis backend"))
		}
	case "mongo":
		if t.MongoURL == "" {
			errs = append(errs, fmt.Errorf("tokens.mongo_url is required for the mongo backend"))
		}
		if t.MongoDatabase == "" || t.MongoCollection == "" {
			errs = append(errs, fmt.Errorf("tokens.mongo_database and tokens.mongo_collection are required for the mongo backend"))
		}
	}
	return errs
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(v.ValidateLogLevel(cfg.Log.Level))
	add(v.ValidateLogFormat(cfg.Log.Format))
	if cfg.Log.MaxSize < 0 || cfg.Log.MaxAge < 0 {
		add(fmt.Errorf("log.max_size and log.max_age must be >= 0"))
	}

	add(v.ValidatePort(cfg.Server.Port))
	if cfg.Server.RateLimit < 0 {
		add(fmt.Errorf("server.rate_limit must be >= 0"))
	}
	errs = append(errs, v.ValidateTokens(cfg.Tokens)...)

	if cfg.Backup.Interval <= 0 {
		add(fmt.Errorf("backup.interval must be positive"))
	}
	if cfg.Backup.StabilizeDelay < 0 {
		add(fmt.Errorf("backup.stabilize_delay must be >= 0"))
	}
	if cfg.Backup.RemoveRetries < 0 {
		add(fmt.Errorf("backup.remove_retries must be >= 0"))
	}

	if cfg.Health.Enabled {
		add(v.ValidateCron(cfg.Health.Cron))
		if cfg.Health.Cron == "" && cfg.Health.Interval <= 0 {
			add(fmt.Errorf("health.interval must be positive when no cron is set"))
		}
	}
	if cfg.Health.ProbeTimeout < 0 {
		add(fmt.Errorf("health.probe_timeout must be >= 0"))
	}

	add(v.ValidateURL("browser.app_url", cfg.Browser.AppURL))
	if cfg.Browser.ConnectTimeout < 0 || cfg.Browser.LoadTimeout < 0 {
		add(fmt.Errorf("browser timeouts must be >= 0"))
	}

	if cfg.Sessions.MaxSessions < 0 {
		add(fmt.Errorf("sessions.max_sessions must be >= 0"))
	}
	if cfg.Sessions.StartConcurrency < 0 {
		add(fmt.Errorf("sessions.start_concurrency must be >= 0"))
	}

	add(v.ValidateURL("webhook.default_url", cfg.Webhook.DefaultURL))
	if cfg.Webhook.Timeout < 0 {
		add(fmt.Errorf("webhook.timeout must be >= 0"))
	}

	if cfg.Export.MaxImportSize < 0 {
		add(fmt.Errorf("export.max_import_size must be >= 0"))
	}
	if cfg.Export.S3.Enabled() && cfg.Export.S3.Region == "" {
		add(fmt.Errorf("export.s3.region is required when a bucket is set"))
	}
	if cfg.Export.S3.Endpoint != "" {
		add(v.ValidateURL("export.s3.endpoint", cfg.Export.S3.Endpoint))
	}

	return errs
}
