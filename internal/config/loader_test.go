package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoaderMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	cfg, err := NewLoader(filepath.Join(dir, "nope.json")).Load()
	require.NoError(t, err)

	assert.Equal(t, 21465, cfg.Server.Port)
	assert.Equal(t, filepath.Join(dir, ".lifeline"), cfg.StateDir)
	assert.Equal(t, filepath.Join(dir, ".lifeline", "userDataDir"), cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, ".lifeline", "tokens"), cfg.Tokens.Dir)
	assert.Equal(t, filepath.Join(dir, ".lifeline", "lifeline.pid"), cfg.PIDFile())
}

func TestLoaderReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"state_dir": "`+dir+`",
		"server": {"port": 9000, "secret": "s3cret"},
		"tokens": {"backend": "sqlite"},
		"backup": {"interval": "30s", "required_dirs": ["Default"]},
		"health": {"cron": "*/5 * * * *"},
		"browser": {"args": {"lang": "en-US"}, "connect_timeout": "90s"},
		"webhook": {"default_url": "https://hooks.example.com"}
	}`)

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Server.Secret)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "sqlite", cfg.Tokens.Backend)
	assert.Equal(t, filepath.Join(dir, "tokens.db"), cfg.Tokens.SQLitePath)
	assert.Equal(t, 30*time.Second, cfg.Backup.Interval)
	assert.Equal(t, 60*time.Second, cfg.Backup.StabilizeDelay)
	assert.Equal(t, []string{"Default"}, cfg.Backup.RequiredDirs)
	assert.Equal(t, "*/5 * * * *", cfg.Health.Cron)
	assert.Equal(t, "en-US", cfg.Browser.Args["lang"])
	assert.Equal(t, 90*time.Second, cfg.Browser.ConnectTimeout)
	assert.Equal(t, "https://hooks.example.com", cfg.Webhook.DefaultURL)
	assert.NoError(t, cfg.Validate())
}

func TestLoaderEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"state_dir": "`+dir+`"}`)

	t.Setenv("LIFELINE_SERVER_PORT", "8081")
	t.Setenv("LIFELINE_HEALTH_INTERVAL", "5m")
	t.Setenv("LIFELINE_TOKENS_BACKEND", "redis")
	t.Setenv("LIFELINE_TOKENS_REDIS_URL", "redis://localhost:6379/1")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Health.Interval)
	assert.Equal(t, "redis", cfg.Tokens.Backend)
	assert.Equal(t, "redis://localhost:6379/1", cfg.Tokens.RedisURL)
}

func TestLoaderInvalidJSON(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "invalid json")
	_, err := NewLoader(path).Load()
	assert.Error(t, err)
}

func TestLoaderExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := writeConfig(t, t.TempDir(), `{"state_dir": "~/state", "log": {"file": "~/logs/lifeline.log"}}`)

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "state"), cfg.StateDir)
	assert.Equal(t, filepath.Join(home, "logs", "lifeline.log"), cfg.Log.File)
}

func TestGetConfigPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	assert.Equal(t, filepath.Join(home, ".lifeline", "config.json"), NewLoader("").GetConfigPath())
	assert.Equal(t, "/etc/lifeline.json", NewLoader("/etc/lifeline.json").GetConfigPath())
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"state_dir": "`+dir+`", "log": {"level": "info"}}`)

	loader := NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)

	changed := make(chan *Config, 16)
	require.NoError(t, loader.Watch(func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	}, nil))

	require.NoError(t, os.WriteFile(path, []byte(`{"state_dir": "`+dir+`", "log": {"level": "debug"}}`), 0o644))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changed:
			if cfg.Log.Level == "debug" {
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}

func TestWatchWithoutFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	loader := NewLoader(filepath.Join(t.TempDir(), "missing.json"))
	_, err := loader.Load()
	require.NoError(t, err)
	assert.Error(t, loader.Watch(func(*Config) {}, nil))
}
