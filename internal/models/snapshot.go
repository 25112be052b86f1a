package models

import (
	"encoding/json"
	"time"
)

// RemoteSnapshot is the backend's current view of a record, returned
// alongside version-mismatch rejections so the client can reconcile.
type RemoteSnapshot struct {
	RemoteID   string          `json:"remote_id"`
	EntityType string          `json:"entity_type"`
	Version    int64           `json:"version"`
	ModifiedAt time.Time       `json:"modified_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	// Deleted marks a tombstone: the record was removed on the server.
	Deleted bool `json:"deleted,omitempty"`
}

// IdentityEntry maps a client-minted local ID to its remote identity
// and the last remote version observed for it.
type IdentityEntry struct {
	LocalID  string    `json:"local_id"`
	RemoteID string    `json:"remote_id,omitempty"`
	Version  int64     `json:"version,omitempty"`
	BoundAt  time.Time `json:"bound_at,omitempty"`
}

// Bound reports whether the entry has been assigned a remote identity.
func (e *IdentityEntry) Bound() bool {
	return e.RemoteID != ""
}
