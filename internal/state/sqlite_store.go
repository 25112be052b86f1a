package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lorekeep/loresync/internal/events"
	"github.com/lorekeep/loresync/internal/models"
)

// SQLiteStore implements SQLite-based queue and identity storage.
// Every mutating call runs in its own transaction so a crash leaves
// the store either before or after the write, never between.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger
}

// NewSQLiteStore creates a SQLite store.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_store"),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

// initialize creates tables and runs pending migrations.
func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS mutations (
        seq INTEGER PRIMARY KEY,
        local_id TEXT NOT NULL,
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
    );

    CREATE INDEX IF NOT EXISTS idx_mutations_local ON mutations(local_id);

    CREATE TABLE IF NOT EXISTS dead_letters (
        local_id TEXT PRIMARY KEY,
        seq INTEGER NOT NULL,
        record TEXT NOT NULL,
        failed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS identities (
        local_id TEXT PRIMARY KEY,
        remote_id TEXT NOT NULL DEFAULT '',
        version INTEGER NOT NULL DEFAULT 0,
        bound_at TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS meta (
        key TEXT PRIMARY KEY,
        value TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );
    `

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	if err := s.migrate(); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	return nil
}

// migrate upgrades older databases in place. Version 1 databases used
// a client_id column for the local identifier.
func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_info").Scan(&version)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version == 0 {
		// Fresh database, or a version-1 database from before the
		// schema_info table existed. Detect the legacy column.
		legacy, err := s.hasColumn("mutations", "client_id")
		if err != nil {
			return err
		}
		if legacy {
			version = 1
		} else {
			version = CurrentSchemaVersion
		}
	}

	if version == 1 {
		s.logger.Info("Migrating schema: renaming client_id to local_id")
		if _, err := s.db.Exec("ALTER TABLE mutations RENAME COLUMN client_id TO local_id"); err != nil {
			return fmt.Errorf("rename client_id: %w", err)
		}
		if legacy, err := s.hasColumn("identities", "client_id"); err != nil {
			return err
		} else if legacy {
			if _, err := s.db.Exec("ALTER TABLE identities RENAME COLUMN client_id TO local_id"); err != nil {
				return fmt.Errorf("rename identities client_id: %w", err)
			}
		}
		version = CurrentSchemaVersion
	}

	if _, err := s.db.Exec("DELETE FROM schema_info"); err != nil {
		return fmt.Errorf("clear schema version: %w", err)
	}
	if _, err := s.db.Exec("INSERT INTO schema_info (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}

	return nil
}

func (s *SQLiteStore) hasColumn(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("scan table info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// SaveMutation upserts the active mutation for its local ID.
func (s *SQLiteStore) SaveMutation(rec *models.MutationRecord) error {
	s.logger.WithFields(map[string]interface{}{
		"local_id": rec.LocalID,
		"op":       rec.Operation,
		"status":   rec.Status,
	}).Debug("Saving mutation")

	_, err := s.db.Exec(`
        INSERT INTO mutations (
            seq, local_id, remote_id, entity_type, payload, operation,
            base_version, status, attempt_count, next_attempt_at,
            last_error, modified_at, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(seq) DO UPDATE SET
            local_id = excluded.local_id,
            remote_id = excluded.remote_id,
            entity_type = excluded.entity_type,
            payload = excluded.payload,
            operation = excluded.operation,
            base_version = excluded.base_version,
            status = excluded.status,
            attempt_count = excluded.attempt_count,
            next_attempt_at = excluded.next_attempt_at,
            last_error = excluded.last_error,
            modified_at = excluded.modified_at,
            updated_at = excluded.updated_at
    `, rec.Seq, rec.LocalID, rec.RemoteID, rec.EntityType, []byte(rec.Payload),
		string(rec.Operation), rec.BaseVersion, string(rec.Status), rec.AttemptCount,
		nullTime(rec.NextAttemptAt), rec.LastError, rec.ModifiedAt, rec.CreatedAt, rec.UpdatedAt)

	if err != nil {
		return &models.PersistenceError{Op: "save mutation", Key: rec.LocalID, Err: err}
	}
	return nil
}

// DeleteMutation removes the active mutation with the given seq.
func (s *SQLiteStore) DeleteMutation(seq uint64) error {
	if _, err := s.db.Exec("DELETE FROM mutations WHERE seq = ?", seq); err != nil {
		return &models.PersistenceError{Op: "delete mutation", Key: fmt.Sprintf("seq %d", seq), Err: err}
	}
	return nil
}

// LoadMutations returns all active mutations in seq order.
func (s *SQLiteStore) LoadMutations() ([]*models.MutationRecord, error) {
	rows, err := s.db.Query(`
        SELECT local_id, seq, remote_id, entity_type, payload, operation,
               base_version, status, attempt_count, next_attempt_at,
               last_error, modified_at, created_at, updated_at
        FROM mutations
        ORDER BY seq
    `)
	if err != nil {
		return nil, fmt.Errorf("query mutations: %w", err)
	}
	defer rows.Close()

	var records []*models.MutationRecord
	for rows.Next() {
		rec, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// SaveDeadLetter stores a permanently failed mutation.
func (s *SQLiteStore) SaveDeadLetter(rec *models.MutationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return &models.PersistenceError{Op: "encode dead letter", Key: rec.LocalID, Err: err}
	}

	_, err = s.db.Exec(`
        INSERT INTO dead_letters (local_id, seq, record, failed_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(local_id) DO UPDATE SET
            seq = excluded.seq,
            record = excluded.record,
            failed_at = excluded.failed_at
    `, rec.LocalID, rec.Seq, string(data), time.Now().UTC())

	if err != nil {
		return &models.PersistenceError{Op: "save dead letter", Key: rec.LocalID, Err: err}
	}
	return nil
}

// DeleteDeadLetter discards a dead letter.
func (s *SQLiteStore) DeleteDeadLetter(localID string) error {
	if _, err := s.db.Exec("DELETE FROM dead_letters WHERE local_id = ?", localID); err != nil {
		return &models.PersistenceError{Op: "delete dead letter", Key: localID, Err: err}
	}
	return nil
}

// LoadDeadLetters returns all dead letters in seq order.
func (s *SQLiteStore) LoadDeadLetters() ([]*models.MutationRecord, error) {
	rows, err := s.db.Query("SELECT record FROM dead_letters ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var records []*models.MutationRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}

		var rec models.MutationRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, ErrCorrupt
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}

// SaveIdentity upserts an identity entry.
func (s *SQLiteStore) SaveIdentity(entry *models.IdentityEntry) error {
	_, err := s.db.Exec(`
        INSERT INTO identities (local_id, remote_id, version, bound_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(local_id) DO UPDATE SET
            remote_id = excluded.remote_id,
            version = excluded.version,
            bound_at = excluded.bound_at
    `, entry.LocalID, entry.RemoteID, entry.Version, nullTime(entry.BoundAt))

	if err != nil {
		return &models.PersistenceError{Op: "save identity", Key: entry.LocalID, Err: err}
	}
	return nil
}

// LoadIdentities returns all identity entries.
func (s *SQLiteStore) LoadIdentities() ([]*models.IdentityEntry, error) {
	rows, err := s.db.Query(`
        SELECT local_id, remote_id, version, bound_at
        FROM identities
        ORDER BY local_id
    `)
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	var entries []*models.IdentityEntry
	for rows.Next() {
		var entry models.IdentityEntry
		var boundAt sql.NullTime

		if err := rows.Scan(&entry.LocalID, &entry.RemoteID, &entry.Version, &boundAt); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		if boundAt.Valid {
			entry.BoundAt = boundAt.Time
		}
		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

// SaveMeta persists a bookkeeping value.
func (s *SQLiteStore) SaveMeta(key, value string) error {
	_, err := s.db.Exec(`
        INSERT INTO meta (key, value) VALUES (?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value
    `, key, value)

	if err != nil {
		return &models.PersistenceError{Op: "save meta", Key: key, Err: err}
	}
	return nil
}

// LoadMeta retrieves a bookkeeping value.
func (s *SQLiteStore) LoadMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query meta %s: %w", key, err)
	}
	return value, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanMutation reads one mutation row.
func scanMutation(rows *sql.Rows) (*models.MutationRecord, error) {
	var rec models.MutationRecord
	var payload []byte
	var operation, status string
	var nextAttemptAt sql.NullTime

	err := rows.Scan(&rec.LocalID, &rec.Seq, &rec.RemoteID, &rec.EntityType,
		&payload, &operation, &rec.BaseVersion, &status, &rec.AttemptCount,
		&nextAttemptAt, &rec.LastError, &rec.ModifiedAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan mutation: %w", err)
	}

	rec.Payload = payload
	rec.Operation = models.Operation(operation)
	rec.Status = models.MutationStatus(status)
	if nextAttemptAt.Valid {
		rec.NextAttemptAt = nextAttemptAt.Time
	}

	return &rec, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
