package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Operation identifies the kind of write a mutation performs.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether the operation is one of the known kinds.
func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// MutationStatus tracks a mutation through its queue lifecycle.
type MutationStatus string

const (
	StatusPending    MutationStatus = "pending"
	StatusInFlight   MutationStatus = "in_flight"
	StatusRetrying   MutationStatus = "retrying"
	StatusConflicted MutationStatus = "conflicted"
	StatusFailed     MutationStatus = "failed"
	StatusSucceeded  MutationStatus = "succeeded"
)

// Terminal reports whether the status ends the mutation's active life.
func (s MutationStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// MutationRecord is the unit of work in the sync queue. The payload is
// opaque to the queue; it is carried through to the remote untouched.
type MutationRecord struct {
	LocalID string `json:"local_id"`

	// Seq fixes the record's position in the queue's FIFO order. A
	// coalesced replacement keeps the seq of the record it replaces.
	Seq uint64 `json:"seq"`

	RemoteID   string          `json:"remote_id,omitempty"`
	EntityType string          `json:"entity_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Operation  Operation       `json:"operation"`

	// BaseVersion is the remote version this mutation was computed
	// against. Zero for creates.
	BaseVersion int64 `json:"base_version,omitempty"`

	Status        MutationStatus `json:"status"`
	AttemptCount  int            `json:"attempt_count"`
	NextAttemptAt time.Time      `json:"next_attempt_at,omitempty"`
	LastError     string         `json:"last_error,omitempty"`

	// ModifiedAt is the user-edit timestamp used by last-write-wins
	// conflict resolution. Refreshed when a coalesced edit replaces
	// the payload, never by status transitions.
	ModifiedAt time.Time `json:"modified_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Eligible reports whether the mutation may be dispatched at the given
// time: it must be pending or retrying with its backoff elapsed.
func (m *MutationRecord) Eligible(now time.Time) bool {
	if m.Status != StatusPending && m.Status != StatusRetrying {
		return false
	}
	return m.NextAttemptAt.IsZero() || !m.NextAttemptAt.After(now)
}

// Validate checks the record's structural invariants.
func (m *MutationRecord) Validate() error {
	if strings.TrimSpace(m.LocalID) == "" {
		return fmt.Errorf("local ID is required")
	}
	if strings.TrimSpace(m.EntityType) == "" {
		return fmt.Errorf("entity type is required for %s", m.LocalID)
	}
	if !m.Operation.Valid() {
		return fmt.Errorf("unknown operation %q for %s", m.Operation, m.LocalID)
	}
	if m.Operation != OpCreate && m.BaseVersion < 0 {
		return fmt.Errorf("negative base version for %s", m.LocalID)
	}
	if m.AttemptCount < 0 {
		return fmt.Errorf("negative attempt count for %s", m.LocalID)
	}
	return nil
}

// Clone creates a deep copy of the record.
func (m *MutationRecord) Clone() *MutationRecord {
	clone := *m
	if m.Payload != nil {
		clone.Payload = make(json.RawMessage, len(m.Payload))
		copy(clone.Payload, m.Payload)
	}
	return &clone
}
