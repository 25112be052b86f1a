package transport

import (
	"context"
	"encoding/json"
)

// CreateResult is the remote's response to a successful create.
type CreateResult struct {
	RemoteID string `json:"remote_id"`
	Version  int64  `json:"version"`
}

// WriteResult is the remote's response to a successful update.
type WriteResult struct {
	Version int64 `json:"version"`
}

// Remote is the backend's operation contract as seen by the sync
// queue. The exact transport behind it is irrelevant to the queue;
// only the outcome classification matters:
//
//   - version mismatch surfaces as *models.ConflictError carrying the
//     server's current snapshot;
//   - permanent rejections surface as *models.ValidationError;
//   - network errors, timeouts, and 5xx surface as
//     *models.TransientError.
type Remote interface {
	CreateRecord(ctx context.Context, entityType string, payload json.RawMessage) (*CreateResult, error)
	UpdateRecord(ctx context.Context, entityType, remoteID string, payload json.RawMessage, baseVersion int64) (*WriteResult, error)
	DeleteRecord(ctx context.Context, entityType, remoteID string, baseVersion int64) error
}
