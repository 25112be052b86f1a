package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader resolves configuration with flag > env > file > default
// precedence. Flags are bound by the CLI layer; everything else is
// handled here.
type Loader struct {
	v          *viper.Viper
	configPath string
}

// NewLoader creates a config loader. configPath may be empty, in which
// case default locations are probed.
func NewLoader(configPath string) *Loader {
	v := viper.New()
	v.SetEnvPrefix("LORESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v, configPath: configPath}
}

// BindFlag maps a command-line flag onto a config key, giving it the
// highest precedence.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	return l.v.BindPFlag(key, flag)
}

// Load resolves the final configuration.
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	if l.configPath != "" {
		l.v.SetConfigFile(l.configPath)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("json")
		for _, dir := range defaultConfigDirs() {
			l.v.AddConfigPath(dir)
		}

		var notFound viper.ConfigFileNotFoundError
		if err := l.v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "json"
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// The state dir tracks the data dir unless set explicitly.
	if cfg.Storage.StateDir == "" {
		cfg.Storage.StateDir = filepath.Join(cfg.Storage.DataDir, "state")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (l *Loader) setDefaults() {
	defaults := DefaultConfig()

	l.v.SetDefault("api.base_url", defaults.API.BaseURL)
	l.v.SetDefault("api.timeout", defaults.API.Timeout)
	l.v.SetDefault("api.token", defaults.API.Token)
	l.v.SetDefault("api.user_agent", defaults.API.UserAgent)
	l.v.SetDefault("api.presence_url", defaults.API.PresenceURL)

	l.v.SetDefault("storage.data_dir", defaults.Storage.DataDir)
	l.v.SetDefault("storage.backend", defaults.Storage.Backend)

	l.v.SetDefault("queue.max_concurrent", defaults.Queue.MaxConcurrent)
	l.v.SetDefault("queue.max_attempts", defaults.Queue.MaxAttempts)
	l.v.SetDefault("queue.retry_base", defaults.Queue.RetryBase)
	l.v.SetDefault("queue.retry_cap", defaults.Queue.RetryCap)
	l.v.SetDefault("queue.retry_jitter", defaults.Queue.RetryJitter)
	l.v.SetDefault("queue.ping_interval", defaults.Queue.PingInterval)

	l.v.SetDefault("log.level", defaults.Log.Level)
	l.v.SetDefault("log.format", defaults.Log.Format)
	l.v.SetDefault("log.file", defaults.Log.File)
	l.v.SetDefault("log.color", defaults.Log.Color)
}

// defaultConfigDirs returns the directories probed for a config file.
func defaultConfigDirs() []string {
	dirs := []string{"."}

	if homeDir, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs,
			filepath.Join(homeDir, ".config", "loresync"),
			filepath.Join(homeDir, ".loresync"),
		)
	}

	return dirs
}

// SaveExample writes an example config file.
func SaveExample(path string) error {
	cfg := DefaultConfig()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return nil
}
