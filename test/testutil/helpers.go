// Package testutil provides shared fixtures for integration tests and
// benchmarks.
package testutil

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lorekeep/loresync/internal/config"
	"github.com/lorekeep/loresync/internal/events"
	"github.com/lorekeep/loresync/internal/state"
)

// Logger returns a logger that swallows output. Tests asserting on log
// content construct their own.
func Logger() *events.Logger {
	return events.NewTestLogger(events.ErrorLevel, "json", io.Discard)
}

// JSONStore opens a JSON file store rooted at dir.
func JSONStore(t testing.TB, dir string) *state.JSONStore {
	t.Helper()
	store, err := state.NewJSONStore(dir, Logger())
	require.NoError(t, err)
	return store
}

// SQLiteStore opens a SQLite store in dir.
func SQLiteStore(t testing.TB, dir string) *state.SQLiteStore {
	t.Helper()
	store, err := state.NewSQLiteStore(filepath.Join(dir, "loresync.db"), Logger())
	require.NoError(t, err)
	return store
}

// QueueConfig returns deterministic retry settings: no jitter, small
// budget, short delays.
func QueueConfig() *config.QueueConfig {
	return &config.QueueConfig{
		MaxConcurrent: 2,
		MaxAttempts:   3,
		RetryBase:     config.DefaultConfig().Queue.RetryBase,
		RetryCap:      config.DefaultConfig().Queue.RetryCap,
		RetryJitter:   0,
	}
}
