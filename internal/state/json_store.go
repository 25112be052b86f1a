package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lorekeep/loresync/internal/events"
	"github.com/lorekeep/loresync/internal/models"
)

// JSONStore implements file-based queue and identity storage for
// environments without cgo SQLite. Each bucket lives in its own file;
// every mutating call rewrites the affected file atomically
// (tmp + fsync + rename) before returning.
type JSONStore struct {
	baseDir string
	logger  *events.Logger

	mu          sync.Mutex
	mutations   map[uint64]*models.MutationRecord
	deadLetters map[string]*models.MutationRecord
	identities  map[string]*models.IdentityEntry
	meta        map[string]string
}

// envelope wraps a bucket file with integrity metadata.
type envelope struct {
	SchemaVersion int             `json:"schema_version"`
	SavedAt       time.Time       `json:"saved_at"`
	Checksum      string          `json:"checksum,omitempty"`
	Records       json.RawMessage `json:"records"`
}

// jsonMutation accepts the legacy client_id key alongside local_id so
// version-1 files load and are rewritten in canonical form.
type jsonMutation struct {
	models.MutationRecord
	LegacyClientID string `json:"client_id,omitempty"`
}

type jsonIdentity struct {
	models.IdentityEntry
	LegacyClientID string `json:"client_id,omitempty"`
}

// NewJSONStore creates a JSON-file store rooted at baseDir.
func NewJSONStore(baseDir string, logger *events.Logger) (*JSONStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	s := &JSONStore{
		baseDir:     baseDir,
		logger:      logger.WithField("component", "json_store"),
		mutations:   make(map[uint64]*models.MutationRecord),
		deadLetters: make(map[string]*models.MutationRecord),
		identities:  make(map[string]*models.IdentityEntry),
		meta:        make(map[string]string),
	}

	if err := s.loadAll(); err != nil {
		return nil, err
	}

	return s, nil
}

// SaveMutation upserts an active mutation, keyed by seq.
func (s *JSONStore) SaveMutation(rec *models.MutationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.mutations[rec.Seq]
	s.mutations[rec.Seq] = rec.Clone()

	if err := s.writeMutations(); err != nil {
		// Roll back the in-memory view; the write never happened.
		if existed {
			s.mutations[rec.Seq] = prev
		} else {
			delete(s.mutations, rec.Seq)
		}
		return &models.PersistenceError{Op: "save mutation", Key: rec.LocalID, Err: err}
	}
	return nil
}

// DeleteMutation removes the active mutation with the given seq.
func (s *JSONStore) DeleteMutation(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.mutations[seq]
	if !existed {
		return nil
	}
	delete(s.mutations, seq)

	if err := s.writeMutations(); err != nil {
		s.mutations[seq] = prev
		return &models.PersistenceError{Op: "delete mutation", Key: prev.LocalID, Err: err}
	}
	return nil
}

// LoadMutations returns all active mutations in seq order.
func (s *JSONStore) LoadMutations() ([]*models.MutationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]*models.MutationRecord, 0, len(s.mutations))
	for _, rec := range s.mutations {
		records = append(records, rec.Clone())
	}
	sortBySeq(records)
	return records, nil
}

// SaveDeadLetter stores a permanently failed mutation.
func (s *JSONStore) SaveDeadLetter(rec *models.MutationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.deadLetters[rec.LocalID]
	s.deadLetters[rec.LocalID] = rec.Clone()

	if err := s.writeFile("dead_letters.json", s.deadLetterList()); err != nil {
		if existed {
			s.deadLetters[rec.LocalID] = prev
		} else {
			delete(s.deadLetters, rec.LocalID)
		}
		return &models.PersistenceError{Op: "save dead letter", Key: rec.LocalID, Err: err}
	}
	return nil
}

// DeleteDeadLetter discards a dead letter.
func (s *JSONStore) DeleteDeadLetter(localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.deadLetters[localID]
	if !existed {
		return nil
	}
	delete(s.deadLetters, localID)

	if err := s.writeFile("dead_letters.json", s.deadLetterList()); err != nil {
		s.deadLetters[localID] = prev
		return &models.PersistenceError{Op: "delete dead letter", Key: localID, Err: err}
	}
	return nil
}

// LoadDeadLetters returns all dead letters in seq order.
func (s *JSONStore) LoadDeadLetters() ([]*models.MutationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]*models.MutationRecord, 0, len(s.deadLetters))
	for _, rec := range s.deadLetters {
		records = append(records, rec.Clone())
	}
	sortBySeq(records)
	return records, nil
}

// SaveIdentity upserts an identity entry.
func (s *JSONStore) SaveIdentity(entry *models.IdentityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.identities[entry.LocalID]
	clone := *entry
	s.identities[entry.LocalID] = &clone

	if err := s.writeFile("identities.json", s.identityList()); err != nil {
		if existed {
			s.identities[entry.LocalID] = prev
		} else {
			delete(s.identities, entry.LocalID)
		}
		return &models.PersistenceError{Op: "save identity", Key: entry.LocalID, Err: err}
	}
	return nil
}

// LoadIdentities returns all identity entries.
func (s *JSONStore) LoadIdentities() ([]*models.IdentityEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]*models.IdentityEntry, 0, len(s.identities))
	for _, entry := range s.identities {
		clone := *entry
		entries = append(entries, &clone)
	}
	return entries, nil
}

// SaveMeta persists a bookkeeping value.
func (s *JSONStore) SaveMeta(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.meta[key]
	s.meta[key] = value

	if err := s.writeFile("meta.json", s.meta); err != nil {
		if existed {
			s.meta[key] = prev
		} else {
			delete(s.meta, key)
		}
		return &models.PersistenceError{Op: "save meta", Key: key, Err: err}
	}
	return nil
}

// LoadMeta retrieves a bookkeeping value.
func (s *JSONStore) LoadMeta(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if value, ok := s.meta[key]; ok {
		return value, nil
	}
	return "", ErrNotFound
}

// Close releases resources.
func (s *JSONStore) Close() error {
	return nil
}

// Internal helpers

func (s *JSONStore) loadAll() error {
	var migrated, idMigrated bool

	var mutations []*jsonMutation
	if err := s.readFile("queue.json", &mutations); err != nil {
		return err
	}
	for _, m := range mutations {
		rec := m.MutationRecord
		if rec.LocalID == "" && m.LegacyClientID != "" {
			rec.LocalID = m.LegacyClientID
			migrated = true
		}
		s.mutations[rec.Seq] = &rec
	}

	var deadLetters []*jsonMutation
	if err := s.readFile("dead_letters.json", &deadLetters); err != nil {
		return err
	}
	for _, m := range deadLetters {
		rec := m.MutationRecord
		if rec.LocalID == "" && m.LegacyClientID != "" {
			rec.LocalID = m.LegacyClientID
		}
		s.deadLetters[rec.LocalID] = &rec
	}

	var identities []*jsonIdentity
	if err := s.readFile("identities.json", &identities); err != nil {
		return err
	}
	for _, e := range identities {
		entry := e.IdentityEntry
		if entry.LocalID == "" && e.LegacyClientID != "" {
			entry.LocalID = e.LegacyClientID
			idMigrated = true
		}
		s.identities[entry.LocalID] = &entry
	}

	if err := s.readFile("meta.json", &s.meta); err != nil {
		return err
	}

	// Rewrite legacy files in canonical form, once.
	if migrated {
		s.logger.Info("Migrating queue file: canonicalizing client_id to local_id")
		if err := s.writeMutations(); err != nil {
			return fmt.Errorf("rewrite migrated queue: %w", err)
		}
	}
	if idMigrated {
		if err := s.writeFile("identities.json", s.identityList()); err != nil {
			return fmt.Errorf("rewrite migrated identities: %w", err)
		}
	}

	return nil
}

// readFile loads and verifies one bucket file into out. A missing
// file is not an error; the bucket starts empty.
func (s *JSONStore) readFile(name string, out interface{}) error {
	path := filepath.Join(s.baseDir, name)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ErrCorrupt
	}

	if env.Checksum != "" {
		hash := sha256.Sum256(env.Records)
		if hex.EncodeToString(hash[:]) != env.Checksum {
			s.logger.WithField("file", name).Error("State checksum mismatch")
			return ErrCorrupt
		}
	}

	if err := json.Unmarshal(env.Records, out); err != nil {
		return ErrCorrupt
	}

	return nil
}

func (s *JSONStore) writeMutations() error {
	return s.writeFile("queue.json", s.mutationList())
}

func (s *JSONStore) mutationList() []*models.MutationRecord {
	records := make([]*models.MutationRecord, 0, len(s.mutations))
	for _, rec := range s.mutations {
		records = append(records, rec)
	}
	sortBySeq(records)
	return records
}

func (s *JSONStore) deadLetterList() []*models.MutationRecord {
	records := make([]*models.MutationRecord, 0, len(s.deadLetters))
	for _, rec := range s.deadLetters {
		records = append(records, rec)
	}
	sortBySeq(records)
	return records
}

func (s *JSONStore) identityList() []*models.IdentityEntry {
	entries := make([]*models.IdentityEntry, 0, len(s.identities))
	for _, entry := range s.identities {
		entries = append(entries, entry)
	}
	return entries
}

// writeFile persists one bucket atomically.
func (s *JSONStore) writeFile(name string, records interface{}) error {
	recordData, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}

	hash := sha256.Sum256(recordData)
	env := envelope{
		SchemaVersion: CurrentSchemaVersion,
		SavedAt:       time.Now().UTC(),
		Checksum:      hex.EncodeToString(hash[:]),
		Records:       recordData,
	}

	// The envelope stays compact so the records bytes on disk are the
	// exact bytes the checksum was computed over.
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	path := filepath.Join(s.baseDir, name)
	tmpPath := path + ".tmp"

	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename state file: %w", err)
	}

	return nil
}

func sortBySeq(records []*models.MutationRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Seq < records[j].Seq
	})
}
