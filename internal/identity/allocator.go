package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/lorekeep/loresync/internal/events"
	"github.com/lorekeep/loresync/internal/models"
	"github.com/lorekeep/loresync/internal/state"
)

// Allocator mints local identifiers for records that do not yet exist
// on the remote, and owns the local-to-remote identity map. Identifiers
// combine a persisted monotonic counter with a random salt minted at
// first run, so they stay unique across process restarts. Entries are
// created on allocation and updated on bind, never removed, so stale
// mutations replayed after a crash still resolve to the right remote
// target.
type Allocator struct {
	store  state.Store
	logger *events.Logger

	mu      sync.Mutex
	counter uint64
	salt    string
	entries map[string]*models.IdentityEntry
}

// NewAllocator creates an allocator backed by the given store,
// restoring its counter, salt, and identity map.
func NewAllocator(store state.Store, logger *events.Logger) (*Allocator, error) {
	a := &Allocator{
		store:   store,
		logger:  logger.WithField("component", "identity_allocator"),
		entries: make(map[string]*models.IdentityEntry),
	}

	if err := a.restore(); err != nil {
		return nil, err
	}

	return a, nil
}

func (a *Allocator) restore() error {
	salt, err := a.store.LoadMeta(state.MetaSaltKey)
	if errors.Is(err, state.ErrNotFound) {
		salt, err = mintSalt()
		if err != nil {
			return err
		}
		if err := a.store.SaveMeta(state.MetaSaltKey, salt); err != nil {
			return err
		}
	} else if err != nil {
		return fmt.Errorf("load allocator salt: %w", err)
	}
	a.salt = salt

	raw, err := a.store.LoadMeta(state.MetaCounterKey)
	if err == nil {
		counter, perr := strconv.ParseUint(raw, 10, 64)
		if perr != nil {
			return fmt.Errorf("parse allocator counter %q: %w", raw, perr)
		}
		a.counter = counter
	} else if !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("load allocator counter: %w", err)
	}

	entries, err := a.store.LoadIdentities()
	if err != nil {
		return fmt.Errorf("load identities: %w", err)
	}
	for _, entry := range entries {
		a.entries[entry.LocalID] = entry
	}

	a.logger.WithFields(map[string]interface{}{
		"counter": a.counter,
		"entries": len(a.entries),
	}).Debug("Restored identity map")

	return nil
}

// Allocate mints a new local identifier. The counter is persisted
// before the identifier is handed out, so a crash cannot cause reuse.
func (a *Allocator) Allocate() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := a.counter + 1
	if err := a.store.SaveMeta(state.MetaCounterKey, strconv.FormatUint(next, 10)); err != nil {
		return "", err
	}
	a.counter = next

	localID := fmt.Sprintf("l-%d-%s", next, a.salt)

	entry := &models.IdentityEntry{LocalID: localID}
	if err := a.store.SaveIdentity(entry); err != nil {
		return "", err
	}
	a.entries[localID] = entry

	return localID, nil
}

// Track registers a caller-supplied local ID, if not already known.
// The editing layer may mint its own identifiers for records restored
// from an earlier session.
func (a *Allocator) Track(localID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.entries[localID]; ok {
		return nil
	}

	entry := &models.IdentityEntry{LocalID: localID}
	if err := a.store.SaveIdentity(entry); err != nil {
		return err
	}
	a.entries[localID] = entry
	return nil
}

// Resolve looks up the remote identifier for a local ID.
func (a *Allocator) Resolve(localID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.entries[localID]
	if !ok || !entry.Bound() {
		return "", false
	}
	return entry.RemoteID, true
}

// Bind records the remote identifier assigned to a local ID. Binding
// the same pair twice is a no-op; binding a different remote ID to an
// already-bound local ID is an identity conflict.
func (a *Allocator) Bind(localID, remoteID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.entries[localID]
	if !ok {
		entry = &models.IdentityEntry{LocalID: localID}
	}

	if entry.Bound() {
		if entry.RemoteID == remoteID {
			return nil
		}
		return &models.IdentityConflictError{
			LocalID:   localID,
			Bound:     entry.RemoteID,
			Attempted: remoteID,
		}
	}

	updated := *entry
	updated.RemoteID = remoteID
	updated.BoundAt = time.Now().UTC()

	if err := a.store.SaveIdentity(&updated); err != nil {
		return err
	}
	a.entries[localID] = &updated

	a.logger.WithFields(map[string]interface{}{
		"local_id":  localID,
		"remote_id": remoteID,
	}).Debug("Bound identity")

	return nil
}

// Version returns the last remote version observed for a local ID.
func (a *Allocator) Version(localID string) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.entries[localID]
	if !ok {
		return 0, false
	}
	return entry.Version, entry.Version > 0
}

// SetVersion caches the latest remote version observed for a local ID,
// from a successful sync or a conflict resolution.
func (a *Allocator) SetVersion(localID string, version int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.entries[localID]
	if !ok {
		entry = &models.IdentityEntry{LocalID: localID}
	}

	updated := *entry
	updated.Version = version

	if err := a.store.SaveIdentity(&updated); err != nil {
		return err
	}
	a.entries[localID] = &updated
	return nil
}

// Entries returns a snapshot of all identity entries.
func (a *Allocator) Entries() []*models.IdentityEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries := make([]*models.IdentityEntry, 0, len(a.entries))
	for _, entry := range a.entries {
		clone := *entry
		entries = append(entries, &clone)
	}
	return entries
}

// mintSalt produces the per-installation random salt.
func mintSalt() (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("mint salt: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
