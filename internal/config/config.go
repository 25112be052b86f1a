package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// API configuration
	API APIConfig `json:"api"`

	// Storage paths
	Storage StorageConfig `json:"storage"`

	// Queue and retry behavior
	Queue QueueConfig `json:"queue"`

	// Logging
	Log LogConfig `json:"log"`
}

// APIConfig for server communication.
type APIConfig struct {
	BaseURL   string        `json:"base_url"`
	Timeout   time.Duration `json:"timeout"`
	Token     string        `json:"token,omitempty"`
	UserAgent string        `json:"user_agent"`

	// PresenceURL is the websocket endpoint used by the connectivity
	// watcher. Empty disables the watcher.
	PresenceURL string `json:"presence_url,omitempty"`
}

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendJSON   = "json"
)

// StorageConfig for local persistence.
type StorageConfig struct {
	DataDir  string `json:"data_dir"`  // Base directory for all data
	StateDir string `json:"state_dir"` // Queue and identity storage

	// Backend selects the durable store: "sqlite" or "json".
	Backend string `json:"backend"`
}

// QueueConfig for dispatch and retry behavior.
type QueueConfig struct {
	MaxConcurrent int           `json:"max_concurrent"` // Concurrent in-flight dispatches
	MaxAttempts   int           `json:"max_attempts"`   // Attempts before dead-letter
	RetryBase     time.Duration `json:"retry_base"`     // Initial backoff delay
	RetryCap      time.Duration `json:"retry_cap"`      // Backoff ceiling
	RetryJitter   float64       `json:"retry_jitter"`   // Jitter fraction, e.g. 0.2
	PingInterval  time.Duration `json:"ping_interval"`  // Connectivity probe interval
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
	File   string `json:"file"`   // Log file path (empty = stdout)
	Color  bool   `json:"color"`  // Enable colored output
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".loresync"

	return &Config{
		API: APIConfig{
			BaseURL:   "https://api.lorekeep.app",
			Timeout:   20 * time.Second,
			UserAgent: "loresync/1.0",
		},
		Storage: StorageConfig{
			DataDir:  dataDir,
			StateDir: filepath.Join(dataDir, "state"),
			Backend:  BackendSQLite,
		},
		Queue: QueueConfig{
			MaxConcurrent: 3,
			MaxAttempts:   10,
			RetryBase:     time.Second,
			RetryCap:      60 * time.Second,
			RetryJitter:   0.2,
			PingInterval:  15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			File:   "",
			Color:  true,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}

	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be positive")
	}

	if c.Storage.Backend != BackendSQLite && c.Storage.Backend != BackendJSON {
		return fmt.Errorf("invalid storage backend: %s", c.Storage.Backend)
	}

	if c.Queue.MaxConcurrent <= 0 {
		return errors.New("queue.max_concurrent must be positive")
	}

	if c.Queue.MaxAttempts <= 0 {
		return errors.New("queue.max_attempts must be positive")
	}

	if c.Queue.RetryBase <= 0 || c.Queue.RetryCap < c.Queue.RetryBase {
		return errors.New("queue.retry_base must be positive and not exceed retry_cap")
	}

	if c.Queue.RetryJitter < 0 || c.Queue.RetryJitter >= 1 {
		return errors.New("queue.retry_jitter must be in [0, 1)")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.StateDir,
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
