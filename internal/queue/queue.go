// Package queue implements the durable mutation queue: an ordered,
// persisted list of pending create/update/delete operations keyed by
// local ID, surviving process restarts.
package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lorekeep/loresync/internal/clock"
	"github.com/lorekeep/loresync/internal/events"
	"github.com/lorekeep/loresync/internal/models"
	"github.com/lorekeep/loresync/internal/state"
)

// Queue is the persisted mutation queue. All mutating calls write
// through to the store before returning; an errored write leaves the
// queue unchanged.
//
// Invariants maintained here:
//   - at most one in-flight mutation per local ID;
//   - at most one pending/retrying mutation per local ID (coalescing);
//   - a queued delete supersedes pending updates for the same entity.
type Queue struct {
	store  state.Store
	clock  clock.Clock
	logger *events.Logger

	mu          sync.Mutex
	records     map[uint64]*models.MutationRecord
	deadLetters map[string]*models.MutationRecord
	nextSeq     uint64
}

// New creates a queue over the given store, replaying any persisted
// mutations. Records left in-flight by a crash are reset to pending:
// their outcome is unknown, and replay is reconciled by the remote's
// version check.
func New(store state.Store, clk clock.Clock, logger *events.Logger) (*Queue, error) {
	q := &Queue{
		store:       store,
		clock:       clk,
		logger:      logger.WithField("component", "mutation_queue"),
		records:     make(map[uint64]*models.MutationRecord),
		deadLetters: make(map[string]*models.MutationRecord),
		nextSeq:     1,
	}

	records, err := store.LoadMutations()
	if err != nil {
		return nil, fmt.Errorf("load mutations: %w", err)
	}

	for _, rec := range records {
		if rec.Status == models.StatusInFlight {
			q.logger.WithField("local_id", rec.LocalID).Warn("Resetting in-flight mutation after restart")
			rec.Status = models.StatusPending
			rec.UpdatedAt = clk.Now()
			if err := store.SaveMutation(rec); err != nil {
				return nil, err
			}
		}
		q.records[rec.Seq] = rec
		if rec.Seq >= q.nextSeq {
			q.nextSeq = rec.Seq + 1
		}
	}

	deadLetters, err := store.LoadDeadLetters()
	if err != nil {
		return nil, fmt.Errorf("load dead letters: %w", err)
	}
	for _, rec := range deadLetters {
		q.deadLetters[rec.LocalID] = rec
		if rec.Seq >= q.nextSeq {
			q.nextSeq = rec.Seq + 1
		}
	}

	q.logger.WithFields(map[string]interface{}{
		"pending":      len(q.records),
		"dead_letters": len(q.deadLetters),
	}).Debug("Queue restored")

	return q, nil
}

// Enqueue appends a mutation, coalescing with any pending mutation for
// the same local ID. The stored record is returned. Rules:
//
//   - a pending non-delete for the same entity is replaced in place,
//     keeping its seq (FIFO position) and retry bookkeeping;
//   - a pending create absorbs a later update but stays a create;
//   - a delete purges pending non-deletes and is appended;
//   - anything enqueued behind a pending delete is rejected.
//
// A nil record with nil error means the mutation needed no queue entry
// at all: a delete that purged an unsent create is already complete.
func (q *Queue) Enqueue(rec *models.MutationRecord) (*models.MutationRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mutation: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	waiting := q.waitingLocked(rec.LocalID)

	if waiting != nil && waiting.Operation == models.OpDelete {
		return nil, fmt.Errorf("entity %s is scheduled for deletion", rec.LocalID)
	}

	if rec.Operation == models.OpDelete {
		return q.enqueueDeleteLocked(rec, waiting, now)
	}

	if waiting != nil {
		// Coalesce: replace payload in place, preserving queue
		// position and backoff state.
		merged := waiting.Clone()
		merged.Payload = rec.Payload
		merged.ModifiedAt = rec.ModifiedAt
		merged.UpdatedAt = now
		if waiting.Operation != models.OpCreate {
			merged.Operation = rec.Operation
			merged.BaseVersion = rec.BaseVersion
		}

		if err := q.store.SaveMutation(merged); err != nil {
			return nil, err
		}
		q.records[merged.Seq] = merged

		q.logger.WithFields(map[string]interface{}{
			"local_id": merged.LocalID,
			"seq":      merged.Seq,
		}).Debug("Coalesced mutation")

		return merged.Clone(), nil
	}

	stored := rec.Clone()
	stored.Seq = q.nextSeq
	stored.Status = models.StatusPending
	stored.AttemptCount = 0
	stored.NextAttemptAt = time.Time{}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.ModifiedAt.IsZero() {
		stored.ModifiedAt = now
	}
	stored.UpdatedAt = now

	if err := q.store.SaveMutation(stored); err != nil {
		return nil, err
	}
	q.records[stored.Seq] = stored
	q.nextSeq++

	return stored.Clone(), nil
}

// enqueueDeleteLocked purges the waiting mutation for the entity (if
// any) and appends the delete.
func (q *Queue) enqueueDeleteLocked(rec, waiting *models.MutationRecord, now time.Time) (*models.MutationRecord, error) {
	if waiting != nil {
		if err := q.store.DeleteMutation(waiting.Seq); err != nil {
			return nil, err
		}
		delete(q.records, waiting.Seq)

		q.logger.WithFields(map[string]interface{}{
			"local_id": rec.LocalID,
			"seq":      waiting.Seq,
		}).Debug("Delete superseded pending mutation")

		// A never-created entity needs no remote delete: if the
		// purged mutation was its create, nothing ever reached the
		// server and the delete is complete already.
		if waiting.Operation == models.OpCreate && !q.inFlightLocked(rec.LocalID) {
			return nil, nil
		}
	}

	stored := rec.Clone()
	stored.Seq = q.nextSeq
	stored.Status = models.StatusPending
	stored.AttemptCount = 0
	stored.NextAttemptAt = time.Time{}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.ModifiedAt.IsZero() {
		stored.ModifiedAt = now
	}
	stored.UpdatedAt = now

	if err := q.store.SaveMutation(stored); err != nil {
		return nil, err
	}
	q.records[stored.Seq] = stored
	q.nextSeq++

	return stored.Clone(), nil
}

// Dequeue claims the oldest eligible mutation: pending or retrying,
// backoff elapsed, and no in-flight mutation for the same entity. The
// claimed record is marked in-flight and persisted before it is
// returned. A nil record means nothing is eligible; that is the only
// empty condition, not an error.
func (q *Queue) Dequeue() (*models.MutationRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()

	for _, rec := range q.orderedLocked() {
		if !rec.Eligible(now) {
			continue
		}
		if q.inFlightLocked(rec.LocalID) {
			continue
		}

		claimed := rec.Clone()
		claimed.Status = models.StatusInFlight
		claimed.UpdatedAt = now

		if err := q.store.SaveMutation(claimed); err != nil {
			return nil, err
		}
		q.records[claimed.Seq] = claimed

		return claimed.Clone(), nil
	}

	return nil, nil
}

// Ack removes a mutation on terminal success.
func (q *Queue) Ack(localID string, seq uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.records[seq]
	if !ok || rec.LocalID != localID {
		return models.ErrUnknownLocalID
	}

	if err := q.store.DeleteMutation(seq); err != nil {
		return err
	}
	delete(q.records, seq)
	return nil
}

// Retry returns a dispatched mutation to the retrying state with the
// given backoff bookkeeping. If a newer coalesced mutation arrived for
// the same entity while this one was in flight, the two are merged so
// only one queued mutation remains per entity.
func (q *Queue) Retry(localID string, seq uint64, attemptCount int, nextAttemptAt time.Time, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.records[seq]
	if !ok || rec.LocalID != localID {
		return models.ErrUnknownLocalID
	}

	newer := q.waitingLocked(localID)

	if newer != nil && rec.Operation != models.OpCreate {
		// The newer mutation carries the payload the user actually
		// wants; the failed one is stale. Drop it and let the newer
		// record take the retry slot, keeping the older position.
		merged := newer.Clone()
		merged.Seq = rec.Seq
		merged.Status = models.StatusRetrying
		merged.AttemptCount = attemptCount
		merged.NextAttemptAt = nextAttemptAt
		merged.LastError = lastError
		merged.UpdatedAt = q.clock.Now()

		if err := q.store.SaveMutation(merged); err != nil {
			return err
		}
		if err := q.store.DeleteMutation(newer.Seq); err != nil {
			return err
		}
		q.records[merged.Seq] = merged
		delete(q.records, newer.Seq)
		return nil
	}

	updated := rec.Clone()
	updated.Status = models.StatusRetrying
	updated.AttemptCount = attemptCount
	updated.NextAttemptAt = nextAttemptAt
	updated.LastError = lastError
	updated.UpdatedAt = q.clock.Now()

	if newer != nil && newer.Operation == models.OpUpdate {
		// Create retrying with a coalesced edit waiting: absorb the
		// newer payload into the create.
		updated.Payload = newer.Payload
		updated.ModifiedAt = newer.ModifiedAt
		if err := q.store.SaveMutation(updated); err != nil {
			return err
		}
		if err := q.store.DeleteMutation(newer.Seq); err != nil {
			return err
		}
		q.records[updated.Seq] = updated
		delete(q.records, newer.Seq)
		return nil
	}

	// Anything else waiting behind the retrying create (a delete
	// enqueued while it was in flight) keeps its own queue slot: the
	// create must still land first so the delete has something to
	// target.
	if err := q.store.SaveMutation(updated); err != nil {
		return err
	}
	q.records[updated.Seq] = updated
	return nil
}

// MarkConflicted parks a mutation awaiting explicit user resolution.
func (q *Queue) MarkConflicted(localID string, seq uint64, lastError string) error {
	return q.transition(localID, seq, func(rec *models.MutationRecord) {
		rec.Status = models.StatusConflicted
		rec.LastError = lastError
		rec.NextAttemptAt = time.Time{}
	})
}

// Rebase returns a mutation to pending with a fresh base version,
// clearing any backoff. Used after last-write-wins decides the local
// edit should be re-issued against the remote's current version.
func (q *Queue) Rebase(localID string, seq uint64, baseVersion int64) error {
	return q.transition(localID, seq, func(rec *models.MutationRecord) {
		rec.Status = models.StatusPending
		rec.BaseVersion = baseVersion
		rec.NextAttemptAt = time.Time{}
		rec.LastError = ""
	})
}

// Fail dead-letters a mutation: it leaves the active queue but is
// retained for user visibility until dismissed.
func (q *Queue) Fail(localID string, seq uint64, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.records[seq]
	if !ok || rec.LocalID != localID {
		return models.ErrUnknownLocalID
	}

	dead := rec.Clone()
	dead.Status = models.StatusFailed
	dead.LastError = lastError
	dead.UpdatedAt = q.clock.Now()

	if err := q.store.SaveDeadLetter(dead); err != nil {
		return err
	}
	if err := q.store.DeleteMutation(seq); err != nil {
		return err
	}

	q.deadLetters[dead.LocalID] = dead
	delete(q.records, seq)

	q.logger.WithFields(map[string]interface{}{
		"local_id": localID,
		"error":    lastError,
	}).Warn("Mutation dead-lettered")

	return nil
}

// DismissDeadLetter discards a dead letter after user acknowledgment.
func (q *Queue) DismissDeadLetter(localID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.deadLetters[localID]; !ok {
		return models.ErrUnknownLocalID
	}

	if err := q.store.DeleteDeadLetter(localID); err != nil {
		return err
	}
	delete(q.deadLetters, localID)
	return nil
}

// Get returns the active mutations for one entity, oldest first.
func (q *Queue) Get(localID string) []*models.MutationRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*models.MutationRecord
	for _, rec := range q.orderedLocked() {
		if rec.LocalID == localID {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// PeekAll returns every active mutation in FIFO order.
func (q *Queue) PeekAll() []*models.MutationRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	ordered := q.orderedLocked()
	out := make([]*models.MutationRecord, len(ordered))
	for i, rec := range ordered {
		out[i] = rec.Clone()
	}
	return out
}

// DeadLetters returns the dead-letter list in seq order.
func (q *Queue) DeadLetters() []*models.MutationRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*models.MutationRecord, 0, len(q.deadLetters))
	for _, rec := range q.deadLetters {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Depth returns the number of active mutations.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Internal helpers. The Locked suffix marks those expecting q.mu held.

// waitingLocked finds the pending/retrying/conflicted mutation for an
// entity, excluding any in-flight record.
func (q *Queue) waitingLocked(localID string) *models.MutationRecord {
	for _, rec := range q.records {
		if rec.LocalID == localID && rec.Status != models.StatusInFlight {
			return rec
		}
	}
	return nil
}

func (q *Queue) inFlightLocked(localID string) bool {
	for _, rec := range q.records {
		if rec.LocalID == localID && rec.Status == models.StatusInFlight {
			return true
		}
	}
	return false
}

func (q *Queue) orderedLocked() []*models.MutationRecord {
	ordered := make([]*models.MutationRecord, 0, len(q.records))
	for _, rec := range q.records {
		ordered = append(ordered, rec)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })
	return ordered
}

func (q *Queue) transition(localID string, seq uint64, apply func(*models.MutationRecord)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.records[seq]
	if !ok || rec.LocalID != localID {
		return models.ErrUnknownLocalID
	}

	updated := rec.Clone()
	apply(updated)
	updated.UpdatedAt = q.clock.Now()

	if err := q.store.SaveMutation(updated); err != nil {
		return err
	}
	q.records[seq] = updated
	return nil
}
