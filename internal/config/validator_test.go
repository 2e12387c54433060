package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()
	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level), level)
	}
	assert.Error(t, v.ValidateLogLevel("trace"))
	assert.Error(t, v.ValidateLogLevel(""))
}

func TestValidatePort(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidatePort(21465))
	assert.Error(t, v.ValidatePort(0))
	assert.Error(t, v.ValidatePort(70000))
}

func TestValidateURL(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		raw     string
		wantErr bool
	}{
		{"", false},
		{"https://hooks.example.com/in", false},
		{"http://127.0.0.1:9000", false},
		{"ftp://example.com", true},
		{"/relative/path", true},
		{"://bad", true},
	}
	for _, tt := range tests {
		err := v.ValidateURL("webhook.default_url", tt.raw)
		if tt.wantErr {
			assert.Error(t, err, tt.raw)
		} else {
			assert.NoError(t, err, tt.raw)
		}
	}
}

func TestValidateCron(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateCron(""))
	assert.NoError(t, v.ValidateCron("*/10 * * * *"))
	assert.NoError(t, v.ValidateCron("@hourly"))
	assert.Error(t, v.ValidateCron("every ten minutes"))
}

func TestValidateTokens(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		cfg     TokensConfig
		wantErr int
	}{
		{"file", TokensConfig{Backend: "file"}, 0},
		{"sqlite", TokensConfig{Backend: "sqlite"}, 0},
		{"unknown", TokensConfig{Backend: "etcd"}, 1},
		{"redis without url", TokensConfig{Backend: "redis"}, 1},
		{"redis", TokensConfig{Backend: "redis", RedisURL: "redis://localhost:6379/0"}, 0},
		{"mongo without anything", TokensConfig{Backend: "mongo"}, 2},
		{"mongo", TokensConfig{Backend: "mongo", MongoURL: "mongodb://localhost", MongoDatabase: "db", MongoCollection: "c"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, v.ValidateTokens(tt.cfg), tt.wantErr)
		})
	}
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("defaults are valid", func(t *testing.T) {
		assert.Empty(t, v.ValidateConfig(DefaultConfig()))
	})

	t.Run("interval required without cron", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Health.Interval = 0
		assert.Len(t, v.ValidateConfig(cfg), 1)

		cfg.Health.Cron = "0 * * * *"
		assert.Empty(t, v.ValidateConfig(cfg))
	})

	t.Run("disabled health skips schedule checks", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Health.Enabled = false
		cfg.Health.Interval = 0
		cfg.Health.Cron = "nonsense"
		assert.Empty(t, v.ValidateConfig(cfg))
	})

	t.Run("negative values", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Backup.Interval = 0
		cfg.Sessions.MaxSessions = -1
		cfg.Webhook.Timeout = -time.Second
		cfg.Export.MaxImportSize = -1
		assert.Len(t, v.ValidateConfig(cfg), 4)
	})

	t.Run("bucket needs region", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Export.S3.Bucket = "backups"
		cfg.Export.S3.Region = ""
		assert.Len(t, v.ValidateConfig(cfg), 1)
	})
}
