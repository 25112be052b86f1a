package state

import (
	"sort"
	"sync"

	"github.com/lorekeep/loresync/internal/models"
)

// MockStore provides an in-memory Store for testing, with optional
// error injection to exercise persistence-failure paths.
type MockStore struct {
	mu          sync.RWMutex
	mutations   map[uint64]*models.MutationRecord
	deadLetters map[string]*models.MutationRecord
	identities  map[string]*models.IdentityEntry
	meta        map[string]string

	// Error injection
	SaveMutationErr error
	SaveIdentityErr error
	SaveMetaErr     error

	// Write tracking
	SaveCount int
}

// NewMockStore creates an in-memory state store.
func NewMockStore() *MockStore {
	return &MockStore{
		mutations:   make(map[uint64]*models.MutationRecord),
		deadLetters: make(map[string]*models.MutationRecord),
		identities:  make(map[string]*models.IdentityEntry),
		meta:        make(map[string]string),
	}
}

// SaveMutation upserts an active mutation, keyed by seq.
func (m *MockStore) SaveMutation(rec *models.MutationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveMutationErr != nil {
		return m.SaveMutationErr
	}

	m.mutations[rec.Seq] = rec.Clone()
	m.SaveCount++
	return nil
}

// DeleteMutation removes the active mutation with the given seq.
func (m *MockStore) DeleteMutation(seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.mutations, seq)
	return nil
}

// LoadMutations returns all active mutations in seq order.
func (m *MockStore) LoadMutations() ([]*models.MutationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]*models.MutationRecord, 0, len(m.mutations))
	for _, rec := range m.mutations {
		records = append(records, rec.Clone())
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
	return records, nil
}

// SaveDeadLetter stores a permanently failed mutation.
func (m *MockStore) SaveDeadLetter(rec *models.MutationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deadLetters[rec.LocalID] = rec.Clone()
	return nil
}

// DeleteDeadLetter discards a dead letter.
func (m *MockStore) DeleteDeadLetter(localID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.deadLetters, localID)
	return nil
}

// LoadDeadLetters returns all dead letters in seq order.
func (m *MockStore) LoadDeadLetters() ([]*models.MutationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]*models.MutationRecord, 0, len(m.deadLetters))
	for _, rec := range m.deadLetters {
		records = append(records, rec.Clone())
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
	return records, nil
}

// SaveIdentity upserts an identity entry.
func (m *MockStore) SaveIdentity(entry *models.IdentityEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveIdentityErr != nil {
		return m.SaveIdentityErr
	}

	clone := *entry
	m.identities[entry.LocalID] = &clone
	return nil
}

// LoadIdentities returns all identity entries.
func (m *MockStore) LoadIdentities() ([]*models.IdentityEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]*models.IdentityEntry, 0, len(m.identities))
	for _, entry := range m.identities {
		clone := *entry
		entries = append(entries, &clone)
	}
	return entries, nil
}

// SaveMeta persists a bookkeeping value.
func (m *MockStore) SaveMeta(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveMetaErr != nil {
		return m.SaveMetaErr
	}

	m.meta[key] = value
	return nil
}

// LoadMeta retrieves a bookkeeping value.
func (m *MockStore) LoadMeta(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if value, ok := m.meta[key]; ok {
		return value, nil
	}
	return "", ErrNotFound
}

// Close closes the store (no-op for mock).
func (m *MockStore) Close() error {
	return nil
}

// Clear removes all stored data.
func (m *MockStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mutations = make(map[uint64]*models.MutationRecord)
	m.deadLetters = make(map[string]*models.MutationRecord)
	m.identities = make(map[string]*models.IdentityEntry)
	m.meta = make(map[string]string)
}
