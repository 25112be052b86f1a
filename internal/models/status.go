package models

import "time"

// SyncState is the UI-observable condition of an entity or of the
// queue as a whole. It is derived from the mutation list, never stored.
type SyncState string

const (
	StateOfflinePending SyncState = "offline-pending"
	StateSyncing        SyncState = "syncing"
	StateConflict       SyncState = "conflict"
	StateError          SyncState = "error"
	StateSynced         SyncState = "synced"
)

// EntityStatus is the derived sync condition of one tracked entity.
type EntityStatus struct {
	LocalID      string    `json:"local_id"`
	RemoteID     string    `json:"remote_id,omitempty"`
	EntityType   string    `json:"entity_type"`
	State        SyncState `json:"state"`
	PendingCount int       `json:"pending_count"`
	LastError    string    `json:"last_error,omitempty"`
	LastSyncedAt time.Time `json:"last_synced_at,omitempty"`
}

// QueueStatus aggregates the queue for display and telemetry.
type QueueStatus struct {
	State            SyncState      `json:"state"`
	Online           bool           `json:"online"`
	Depth            int            `json:"depth"`
	InFlight         int            `json:"in_flight"`
	Conflicts        int            `json:"conflicts"`
	DeadLetters      int            `json:"dead_letters"`
	OldestPendingAge time.Duration  `json:"oldest_pending_age"`
	Entities         []EntityStatus `json:"entities,omitempty"`
}
