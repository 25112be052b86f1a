package models

import (
	"errors"
	"fmt"
)

// Error codes for structured error handling.
const (
	ErrCodeNetwork    = "NETWORK_ERROR"
	ErrCodeConflict   = "VERSION_CONFLICT"
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeIdentity   = "IDENTITY_CONFLICT"
	ErrCodeStorage    = "STORAGE_ERROR"
	ErrCodeConfig     = "CONFIG_ERROR"
	ErrCodeServer     = "SERVER_ERROR"
)

// Sentinel errors
var (
	ErrPumpInProgress = errors.New("pump already in progress")
	ErrUnknownLocalID = errors.New("unknown local ID")
	ErrNotConflicted  = errors.New("mutation is not in conflict")
	ErrQueueClosed    = errors.New("queue is closed")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// TransientError wraps a failure that is expected to clear on retry:
// network errors, timeouts, and 5xx responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ConflictError signals a version mismatch on the remote. It carries
// the server's current snapshot for the resolver.
type ConflictError struct {
	RemoteID string
	Snapshot *RemoteSnapshot
}

func (e *ConflictError) Error() string {
	if e.Snapshot != nil {
		return fmt.Sprintf("version conflict on %s: remote at version %d", e.RemoteID, e.Snapshot.Version)
	}
	return fmt.Sprintf("version conflict on %s", e.RemoteID)
}

// AsConflict extracts a ConflictError from err, if present.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// ValidationError is a permanent rejection from the remote. Retrying
// cannot succeed; the mutation is dead-lettered.
type ValidationError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("remote rejected request %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// IsValidation reports whether err is a permanent rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IdentityConflictError signals an attempt to rebind an already-bound
// local ID to a different remote ID. Remote identifiers are immutable
// once assigned, so this is a data-integrity fault, not a user error.
type IdentityConflictError struct {
	LocalID   string
	Bound     string
	Attempted string
}

func (e *IdentityConflictError) Error() string {
	return fmt.Sprintf("identity conflict for %s: bound to %s, attempted rebind to %s",
		e.LocalID, e.Bound, e.Attempted)
}

// PersistenceError wraps a failure to durably write queue or identity
// state. The triggering operation is not considered applied.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("persist %s (%s): %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
