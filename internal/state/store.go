package state

import (
	"errors"

	"github.com/lorekeep/loresync/internal/models"
)

// Store is the durable backing for the mutation queue and identity
// map. Every mutating call must be persisted before it returns; the
// queue treats a write that errored as never having happened.
type Store interface {
	// SaveMutation upserts an active mutation, keyed by seq. The
	// queue may hold two records for one local ID at a time: the
	// in-flight one and a newer coalesced pending one.
	SaveMutation(rec *models.MutationRecord) error

	// DeleteMutation removes the active mutation with the given seq.
	DeleteMutation(seq uint64) error

	// LoadMutations returns all active mutations in seq order.
	LoadMutations() ([]*models.MutationRecord, error)

	// SaveDeadLetter stores a permanently failed mutation for user
	// visibility. Dead letters are keyed by local ID.
	SaveDeadLetter(rec *models.MutationRecord) error

	// DeleteDeadLetter discards a dead letter after the user has
	// acknowledged it.
	DeleteDeadLetter(localID string) error

	// LoadDeadLetters returns all dead letters in seq order.
	LoadDeadLetters() ([]*models.MutationRecord, error)

	// SaveIdentity upserts a local-to-remote identity entry.
	SaveIdentity(entry *models.IdentityEntry) error

	// LoadIdentities returns all identity entries.
	LoadIdentities() ([]*models.IdentityEntry, error)

	// SaveMeta and LoadMeta persist small bookkeeping values such as
	// the allocator counter and salt.
	SaveMeta(key, value string) error
	LoadMeta(key string) (string, error)

	// Close releases resources.
	Close() error
}

// Errors
var (
	ErrNotFound = errors.New("state entry not found")
	ErrCorrupt  = errors.New("state store is corrupt")
)

// CurrentSchemaVersion for migrations. Version 1 stored mutations
// under the legacy client_id key; version 2 uses local_id.
const CurrentSchemaVersion = 2

// Meta keys used by the allocator.
const (
	MetaCounterKey = "allocator_counter"
	MetaSaltKey    = "allocator_salt"
)
