package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lorekeep/loresync/internal/models"
)

// MockRemote simulates the backend in memory: it assigns remote IDs,
// tracks per-record versions, and rejects writes whose base version is
// stale, returning the same error shapes the HTTP client produces.
type MockRemote struct {
	mu sync.Mutex

	// Stored records keyed by remote ID.
	records map[string]*mockRecord

	// Error injection
	Offline     bool  // every call fails with a TransientError
	FailNextN   int   // next N calls fail with a TransientError
	CreateError error // returned verbatim from CreateRecord
	UpdateError error // returned verbatim from UpdateRecord
	DeleteError error // returned verbatim from DeleteRecord

	// Request tracking
	Calls []RemoteCall

	nextID int
}

// RemoteCall records one operation for assertions.
type RemoteCall struct {
	Op         string
	EntityType string
	RemoteID   string
	Payload    json.RawMessage
	BaseVer    int64
}

type mockRecord struct {
	entityType string
	version    int64
	payload    json.RawMessage
	modifiedAt time.Time
	deleted    bool
}

// NewMockRemote creates an empty in-memory backend.
func NewMockRemote() *MockRemote {
	return &MockRemote{
		records: make(map[string]*mockRecord),
	}
}

// CreateRecord stores a new record and mints its remote ID.
func (m *MockRemote) CreateRecord(ctx context.Context, entityType string, payload json.RawMessage) (*CreateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, RemoteCall{Op: "create", EntityType: entityType, Payload: payload})

	if err := m.unavailableLocked("create"); err != nil {
		return nil, err
	}
	if m.CreateError != nil {
		return nil, m.CreateError
	}

	m.nextID++
	remoteID := fmt.Sprintf("r-%d", m.nextID)
	m.records[remoteID] = &mockRecord{
		entityType: entityType,
		version:    1,
		payload:    append(json.RawMessage(nil), payload...),
		modifiedAt: time.Now().UTC(),
	}

	return &CreateResult{RemoteID: remoteID, Version: 1}, nil
}

// UpdateRecord applies an update if baseVersion matches the stored
// version, otherwise returns a ConflictError with the current snapshot.
func (m *MockRemote) UpdateRecord(ctx context.Context, entityType, remoteID string, payload json.RawMessage, baseVersion int64) (*WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, RemoteCall{Op: "update", EntityType: entityType, RemoteID: remoteID, Payload: payload, BaseVer: baseVersion})

	if err := m.unavailableLocked("update"); err != nil {
		return nil, err
	}
	if m.UpdateError != nil {
		return nil, m.UpdateError
	}

	rec, ok := m.records[remoteID]
	if !ok || rec.deleted {
		return nil, &models.ValidationError{
			StatusCode: 404,
			Code:       models.ErrCodeValidation,
			Message:    "record not found: " + remoteID,
		}
	}
	if rec.version != baseVersion {
		return nil, m.conflictLocked(remoteID, rec)
	}

	rec.version++
	rec.payload = append(json.RawMessage(nil), payload...)
	rec.modifiedAt = time.Now().UTC()

	return &WriteResult{Version: rec.version}, nil
}

// DeleteRecord removes a record if baseVersion matches. Deleting an
// already-missing record succeeds, mirroring the HTTP client's 404
// handling.
func (m *MockRemote) DeleteRecord(ctx context.Context, entityType, remoteID string, baseVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, RemoteCall{Op: "delete", EntityType: entityType, RemoteID: remoteID, BaseVer: baseVersion})

	if err := m.unavailableLocked("delete"); err != nil {
		return err
	}
	if m.DeleteError != nil {
		return m.DeleteError
	}

	rec, ok := m.records[remoteID]
	if !ok || rec.deleted {
		return nil
	}
	if rec.version != baseVersion {
		return m.conflictLocked(remoteID, rec)
	}

	rec.deleted = true
	rec.version++
	rec.modifiedAt = time.Now().UTC()
	return nil
}

// SetRecord seeds a record directly, for arranging test fixtures.
func (m *MockRemote) SetRecord(remoteID, entityType string, version int64, payload json.RawMessage, modifiedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[remoteID] = &mockRecord{
		entityType: entityType,
		version:    version,
		payload:    append(json.RawMessage(nil), payload...),
		modifiedAt: modifiedAt,
	}
}

// Record returns the stored state of a record.
func (m *MockRemote) Record(remoteID string) (payload json.RawMessage, version int64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, found := m.records[remoteID]
	if !found || rec.deleted {
		return nil, 0, false
	}
	return append(json.RawMessage(nil), rec.payload...), rec.version, true
}

// Deleted reports whether a record has been deleted on the server.
func (m *MockRemote) Deleted(remoteID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[remoteID]
	return ok && rec.deleted
}

// CallCount returns the number of calls with the given op, or all
// calls when op is empty.
func (m *MockRemote) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if op == "" {
		return len(m.Calls)
	}
	n := 0
	for _, c := range m.Calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (m *MockRemote) unavailableLocked(op string) error {
	if m.Offline {
		return &models.TransientError{Op: op, Err: fmt.Errorf("remote offline")}
	}
	if m.FailNextN > 0 {
		m.FailNextN--
		return &models.TransientError{Op: op, Err: fmt.Errorf("injected failure")}
	}
	return nil
}

func (m *MockRemote) conflictLocked(remoteID string, rec *mockRecord) error {
	return &models.ConflictError{
		RemoteID: remoteID,
		Snapshot: &models.RemoteSnapshot{
			RemoteID:   remoteID,
			EntityType: rec.entityType,
			Version:    rec.version,
			ModifiedAt: rec.modifiedAt,
			Payload:    append(json.RawMessage(nil), rec.payload...),
			Deleted:    rec.deleted,
		},
	}
}
