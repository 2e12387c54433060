package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes environment overrides, e.g. LIFELINE_SERVER_PORT.
	EnvPrefix = "LIFELINE"

	stateDirName   = ".lifeline"
	configFileName = "config.json"
)

// Loader handles configuration loading
type Loader struct {
	configPath string

	mu sync.Mutex
	v  *viper.Viper
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return expandHome(l.configPath)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, stateDirName, configFileName)
}

// Load reads the config file, if present, and environment overrides on top
// of DefaultConfig.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := setDefaults(v, DefaultConfig()); err != nil {
		return nil, err
	}

	configPath := l.GetConfigPath()
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if l.configPath != "" && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.v = v
	l.mu.Unlock()
	return cfg, nil
}

// Watch calls onChange with the reloaded config whenever the config file
// changes. Reloads that fail to decode or validate are reported through
// onError and otherwise ignored. Load must have found a config file.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) error {
	l.mu.Lock()
	v := l.v
	l.mu.Unlock()
	if v == nil || v.ConfigFileUsed() == "" {
		return fmt.Errorf("no config file to watch")
	}

	v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := decode(v)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := resolvePaths(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every default key so environment overrides reach
// Unmarshal even when the file does not mention them.
func setDefaults(v *viper.Viper, cfg *Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}
	walkDefaults(v, "", tree)
	return nil
}

func walkDefaults(v *viper.Viper, prefix string, tree map[string]any) {
	for key, value := range tree {
		if prefix != "" {
			key = prefix + "." + key
		}
		if sub, ok := value.(map[string]any); ok && len(sub) > 0 {
			walkDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, value)
	}
}

// resolvePaths fills empty paths relative to the state directory.
func resolvePaths(cfg *Config) error {
	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.StateDir = filepath.Join(home, stateDirName)
	}
	cfg.StateDir = expandHome(cfg.StateDir)

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.StateDir, "userDataDir")
	}
	cfg.DataDir = expandHome(cfg.DataDir)

	if cfg.Tokens.Dir == "" {
		cfg.Tokens.Dir = filepath.Join(cfg.StateDir, "tokens")
	}
	cfg.Tokens.Dir = expandHome(cfg.Tokens.Dir)

	if cfg.Tokens.SQLitePath == "" {
		cfg.Tokens.SQLitePath = filepath.Join(cfg.StateDir, "tokens.db")
	}
	cfg.Tokens.SQLitePath = expandHome(cfg.Tokens.SQLitePath)

	cfg.Log.File = expandHome(cfg.Log.File)
	cfg.Log.AuditFile = expandHome(cfg.Log.AuditFile)
	cfg.Browser.BridgeScript = expandHome(cfg.Browser.BridgeScript)
	return nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// PIDFile returns the daemon PID file path.
func (c *Config) PIDFile() string {
	return filepath.Join(c.StateDir, "lifeline.pid")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
