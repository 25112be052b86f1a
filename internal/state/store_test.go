package state_test

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/loresync/internal/events"
	"github.com/lorekeep/loresync/internal/models"
	"github.com/lorekeep/loresync/internal/state"
)

func testLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

func testMutation(localID string, seq uint64) *models.MutationRecord {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.MutationRecord{
		LocalID:      localID,
		Seq:          seq,
		EntityType:   "character",
		Payload:      json.RawMessage(`{"name":"Thrain"}`),
		Operation:    models.OpCreate,
		Status:       models.StatusPending,
		AttemptCount: 0,
		ModifiedAt:   now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestJSONStore(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := state.NewJSONStore(tmpDir, testLogger())
	require.NoError(t, err)
	defer store.Close()

	testStoreOperations(t, store)
}

func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	store, err := state.NewSQLiteStore(dbPath, testLogger())
	require.NoError(t, err)
	defer store.Close()

	testStoreOperations(t, store)
}

func testStoreOperations(t *testing.T, store state.Store) {
	t.Run("empty store", func(t *testing.T) {
		records, err := store.LoadMutations()
		require.NoError(t, err)
		assert.Empty(t, records)

		_, err = store.LoadMeta("missing")
		assert.ErrorIs(t, err, state.ErrNotFound)
	})

	t.Run("save and load mutations in seq order", func(t *testing.T) {
		second := testMutation("l-2-aaaa", 5)
		first := testMutation("l-1-aaaa", 2)

		require.NoError(t, store.SaveMutation(second))
		require.NoError(t, store.SaveMutation(first))

		records, err := store.LoadMutations()
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, uint64(2), records[0].Seq)
		assert.Equal(t, uint64(5), records[1].Seq)
		assert.Equal(t, "l-1-aaaa", records[0].LocalID)
		assert.JSONEq(t, `{"name":"Thrain"}`, string(records[0].Payload))
	})

	t.Run("upsert by seq", func(t *testing.T) {
		rec := testMutation("l-1-aaaa", 2)
		rec.Status = models.StatusRetrying
		rec.AttemptCount = 3
		rec.LastError = "connection refused"
		rec.NextAttemptAt = time.Now().UTC().Add(time.Minute).Truncate(time.Second)

		require.NoError(t, store.SaveMutation(rec))

		records, err := store.LoadMutations()
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, models.StatusRetrying, records[0].Status)
		assert.Equal(t, 3, records[0].AttemptCount)
		assert.Equal(t, "connection refused", records[0].LastError)
		assert.False(t, records[0].NextAttemptAt.IsZero())
	})

	t.Run("delete mutation", func(t *testing.T) {
		require.NoError(t, store.DeleteMutation(5))

		records, err := store.LoadMutations()
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, uint64(2), records[0].Seq)

		// Deleting a missing seq is a no-op.
		assert.NoError(t, store.DeleteMutation(999))
	})

	t.Run("dead letters", func(t *testing.T) {
		dead := testMutation("l-3-aaaa", 9)
		dead.Status = models.StatusFailed
		dead.LastError = "validation failed"

		require.NoError(t, store.SaveDeadLetter(dead))

		letters, err := store.LoadDeadLetters()
		require.NoError(t, err)
		require.Len(t, letters, 1)
		assert.Equal(t, models.StatusFailed, letters[0].Status)
		assert.Equal(t, "validation failed", letters[0].LastError)

		require.NoError(t, store.DeleteDeadLetter("l-3-aaaa"))
		letters, err = store.LoadDeadLetters()
		require.NoError(t, err)
		assert.Empty(t, letters)
	})

	t.Run("identities", func(t *testing.T) {
		entry := &models.IdentityEntry{LocalID: "l-1-aaaa"}
		require.NoError(t, store.SaveIdentity(entry))

		bound := &models.IdentityEntry{
			LocalID:  "l-1-aaaa",
			RemoteID: "r-77",
			Version:  3,
			BoundAt:  time.Now().UTC().Truncate(time.Second),
		}
		require.NoError(t, store.SaveIdentity(bound))

		entries, err := store.LoadIdentities()
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "r-77", entries[0].RemoteID)
		assert.EqualValues(t, 3, entries[0].Version)
		assert.True(t, entries[0].Bound())
	})

	t.Run("meta", func(t *testing.T) {
		require.NoError(t, store.SaveMeta(state.MetaCounterKey, "42"))

		value, err := store.LoadMeta(state.MetaCounterKey)
		require.NoError(t, err)
		assert.Equal(t, "42", value)

		require.NoError(t, store.SaveMeta(state.MetaCounterKey, "43"))
		value, err = store.LoadMeta(state.MetaCounterKey)
		require.NoError(t, err)
		assert.Equal(t, "43", value)
	})
}

func TestJSONStorePersistsAcrossReopen(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := state.NewJSONStore(tmpDir, testLogger())
	require.NoError(t, err)

	require.NoError(t, store.SaveMutation(testMutation("l-1-bbbb", 1)))
	require.NoError(t, store.SaveIdentity(&models.IdentityEntry{LocalID: "l-1-bbbb", RemoteID: "r-1"}))
	require.NoError(t, store.SaveMeta(state.MetaSaltKey, "9f3a"))
	require.NoError(t, store.Close())

	reopened, err := state.NewJSONStore(tmpDir, testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	records, err := reopened.LoadMutations()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "l-1-bbbb", records[0].LocalID)

	salt, err := reopened.LoadMeta(state.MetaSaltKey)
	require.NoError(t, err)
	assert.Equal(t, "9f3a", salt)
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	store, err := state.NewSQLiteStore(dbPath, testLogger())
	require.NoError(t, err)

	require.NoError(t, store.SaveMutation(testMutation("l-1-cccc", 1)))
	require.NoError(t, store.Close())

	reopened, err := state.NewSQLiteStore(dbPath, testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	records, err := reopened.LoadMutations()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "l-1-cccc", records[0].LocalID)
}

func TestJSONStoreRejectsCorruptFile(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := state.NewJSONStore(tmpDir, testLogger())
	require.NoError(t, err)
	require.NoError(t, store.SaveMutation(testMutation("l-1-dddd", 1)))
	require.NoError(t, store.Close())

	// Flip payload bytes without updating the checksum.
	path := filepath.Join(tmpDir, "queue.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(data, []byte("Thrain"), []byte("Mordor"), 1)
	require.NotEqual(t, data, tampered)
	require.NoError(t, os.WriteFile(path, tampered, 0600))

	_, err = state.NewJSONStore(tmpDir, testLogger())
	assert.ErrorIs(t, err, state.ErrCorrupt)
}

func TestJSONStoreMigratesLegacyClientID(t *testing.T) {
	tmpDir := t.TempDir()

	// A version-1 queue file keyed the record by client_id.
	legacy := []map[string]interface{}{{
		"client_id":   "l-1-eeee",
		"seq":         1,
		"entity_type": "character",
		"operation":   "create",
		"status":      "pending",
		"modified_at": time.Now().UTC().Format(time.RFC3339),
		"created_at":  time.Now().UTC().Format(time.RFC3339),
		"updated_at":  time.Now().UTC().Format(time.RFC3339),
	}}
	writeLegacyBucket(t, filepath.Join(tmpDir, "queue.json"), legacy)

	store, err := state.NewJSONStore(tmpDir, testLogger())
	require.NoError(t, err)
	defer store.Close()

	records, err := store.LoadMutations()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "l-1-eeee", records[0].LocalID)

	// The file must have been rewritten in canonical form.
	data, err := os.ReadFile(filepath.Join(tmpDir, "queue.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "local_id")
	assert.NotContains(t, string(data), "client_id")
}

// writeLegacyBucket emulates a version-1 file: an envelope without a
// checksum, records carrying the old identifier key.
func writeLegacyBucket(t *testing.T, path string, records interface{}) {
	t.Helper()

	recordData, err := json.Marshal(records)
	require.NoError(t, err)

	env := map[string]interface{}{
		"schema_version": 1,
		"saved_at":       time.Now().UTC(),
		"records":        json.RawMessage(recordData),
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))
}

func TestSQLiteStoreMigratesLegacyClientID(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	// Build a version-1 database by hand: client_id column, no
	// schema_info table.
	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)

	_, err = db.Exec(`
        CREATE TABLE mutations (
            seq INTEGER PRIMARY KEY,
            client_id TEXT NOT NULL,
            remote_id TEXT NOT NULL DEFAULT '',
            entity_type TEXT NOT NULL,
            payload BLOB,
            operation TEXT NOT NULL,
            base_version INTEGER NOT NULL DEFAULT 0,
            status TEXT NOT NULL,
            attempt_count INTEGER NOT NULL DEFAULT 0,
            next_attempt_at TIMESTAMP,
            last_error TEXT NOT NULL DEFAULT '',
            modified_at TIMESTAMP NOT NULL,
            created_at TIMESTAMP NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );`)
	require.NoError(t, err)

	now := time.Now().UTC()
	_, err = db.Exec(`INSERT INTO mutations
        (seq, client_id, entity_type, payload, operation, status, modified_at, created_at, updated_at)
        VALUES (1, 'l-1-ffff', 'character', '{}', 'create', 'pending', ?, ?, ?)`,
		now, now, now)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	store, err := state.NewSQLiteStore(dbPath, testLogger())
	require.NoError(t, err)
	defer store.Close()

	records, err := store.LoadMutations()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "l-1-ffff", records[0].LocalID)
}

func TestMockStoreErrorInjection(t *testing.T) {
	store := state.NewMockStore()

	store.SaveMutationErr = fmt.Errorf("disk full")
	err := store.SaveMutation(testMutation("l-1-gggg", 1))
	assert.ErrorContains(t, err, "disk full")

	records, loadErr := store.LoadMutations()
	require.NoError(t, loadErr)
	assert.Empty(t, records, "failed save must not leave state behind")

	store.SaveMutationErr = nil
	require.NoError(t, store.SaveMutation(testMutation("l-1-gggg", 1)))
	assert.Equal(t, 1, store.SaveCount)
}
