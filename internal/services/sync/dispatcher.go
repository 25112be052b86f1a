package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lorekeep/loresync/internal/clock"
	"github.com/lorekeep/loresync/internal/events"
	"github.com/lorekeep/loresync/internal/identity"
	"github.com/lorekeep/loresync/internal/models"
	"github.com/lorekeep/loresync/internal/queue"
	"github.com/lorekeep/loresync/internal/transport"
)

// Event is a sync lifecycle notification for UI consumption.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Record    *models.MutationRecord
	Snapshot  *models.RemoteSnapshot
	Err       error
}

// EventType defines sync event types.
type EventType string

// maxPumpPasses bounds how often one Pump re-walks the queue after
// completions make new work eligible.
const maxPumpPasses = 8

const (
	EventPumpStarted   EventType = "pump_started"
	EventDispatched    EventType = "dispatched"
	EventSynced        EventType = "synced"
	EventRebased       EventType = "rebased"
	EventRemoteAdopted EventType = "remote_adopted"
	EventConflict      EventType = "conflict"
	EventRetryPlanned  EventType = "retry_planned"
	EventDeadLettered  EventType = "dead_lettered"
	EventPumpComplete  EventType = "pump_complete"
)

// Dispatcher drains the mutation queue against the remote. Each claimed
// mutation gets exactly one remote call per pump pass; the response
// decides its next state. Claims are serialized through the queue, so
// per-entity single-flight holds even with concurrent sends.
type Dispatcher struct {
	queue     *queue.Queue
	ids       *identity.Allocator
	remote    transport.Remote
	resolver  *Resolver
	scheduler *Scheduler
	clock     clock.Clock
	logger    *events.Logger

	maxConcurrent int
	emit          func(Event)

	mu      sync.Mutex
	pumping bool
}

// NewDispatcher creates a dispatcher. emit may be nil.
func NewDispatcher(
	q *queue.Queue,
	ids *identity.Allocator,
	remote transport.Remote,
	resolver *Resolver,
	scheduler *Scheduler,
	clk clock.Clock,
	maxConcurrent int,
	emit func(Event),
	logger *events.Logger,
) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	if emit == nil {
		emit = func(Event) {}
	}

	return &Dispatcher{
		queue:         q,
		ids:           ids,
		remote:        remote,
		resolver:      resolver,
		scheduler:     scheduler,
		clock:         clk,
		logger:        logger.WithField("component", "dispatcher"),
		maxConcurrent: maxConcurrent,
		emit:          emit,
	}
}

// Pump drains every currently eligible mutation, fanning out up to
// maxConcurrent remote calls across distinct entities. It returns once
// nothing more is eligible: mutations parked for backoff, conflict, or
// user resolution stay queued for a later pump. Only one pump runs at
// a time.
func (d *Dispatcher) Pump(ctx context.Context) error {
	d.mu.Lock()
	if d.pumping {
		d.mu.Unlock()
		return models.ErrPumpInProgress
	}
	d.pumping = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.pumping = false
		d.mu.Unlock()
	}()

	d.emit(Event{Type: EventPumpStarted, Timestamp: d.clock.Now()})
	d.logger.WithField("depth", d.queue.Depth()).Debug("Pump started")

	var (
		errMu    sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
	}

	sem := make(chan struct{}, d.maxConcurrent)
	var wg sync.WaitGroup

	// A dispatched mutation can make another one eligible on completion
	// (a rebase, or a coalesced edit behind a finished create), so keep
	// passing over the queue until a pass dispatches nothing. Passes
	// are capped: a remote that conflicts on every rebased re-issue
	// must not pin the pump, and whatever is left stays pending for
	// the next one.
	for pass := 0; pass < maxPumpPasses; pass++ {
		dispatched := 0

		for {
			if ctx.Err() != nil {
				fail(ctx.Err())
				break
			}

			rec, err := d.queue.Dequeue()
			if err != nil {
				fail(err)
				break
			}
			if rec == nil {
				break
			}
			dispatched++

			sem <- struct{}{}
			wg.Add(1)
			go func(rec *models.MutationRecord) {
				defer wg.Done()
				defer func() { <-sem }()

				if err := d.dispatch(ctx, rec); err != nil {
					fail(err)
				}
			}(rec)
		}

		wg.Wait()

		if dispatched == 0 || firstErr != nil {
			break
		}
	}

	d.emit(Event{Type: EventPumpComplete, Timestamp: d.clock.Now(), Err: firstErr})
	return firstErr
}

// dispatch issues one remote call for a claimed mutation and routes the
// outcome. Errors returned here are local persistence failures; remote
// failures are absorbed into the mutation's state.
func (d *Dispatcher) dispatch(ctx context.Context, rec *models.MutationRecord) error {
	d.emit(Event{Type: EventDispatched, Timestamp: d.clock.Now(), Record: rec})

	// Downstream request logs pick the local ID up from the context.
	ctx = events.WithLocalID(ctx, rec.LocalID)

	logger := d.logger.WithFields(map[string]interface{}{
		"local_id":  rec.LocalID,
		"seq":       rec.Seq,
		"operation": rec.Operation,
		"attempt":   rec.AttemptCount + 1,
	})

	switch rec.Operation {
	case models.OpCreate:
		result, err := d.remote.CreateRecord(ctx, rec.EntityType, rec.Payload)
		if err != nil {
			return d.routeFailure(rec, err, logger)
		}

		if err := d.ids.Bind(rec.LocalID, result.RemoteID); err != nil {
			// A rebind attempt means local state no longer matches the
			// identity map. Never guess; park it for the user.
			var ice *models.IdentityConflictError
			if errors.As(err, &ice) {
				logger.WithError(err).Error("Identity conflict on bind")
				return d.deadLetter(rec, err)
			}
			return err
		}
		return d.succeed(rec, result.Version, logger)

	case models.OpUpdate:
		remoteID, ok := d.remoteID(rec)
		if !ok {
			return d.scheduleRetry(rec, fmt.Errorf("identity for %s not yet bound", rec.LocalID), logger)
		}

		result, err := d.remote.UpdateRecord(ctx, rec.EntityType, remoteID, rec.Payload, rec.BaseVersion)
		if err != nil {
			return d.routeFailure(rec, err, logger)
		}
		return d.succeed(rec, result.Version, logger)

	case models.OpDelete:
		remoteID, ok := d.remoteID(rec)
		if !ok {
			// Nothing was ever created remotely; the delete is moot.
			logger.Debug("Delete for unbound entity acked locally")
			return d.queue.Ack(rec.LocalID, rec.Seq)
		}

		if err := d.remote.DeleteRecord(ctx, rec.EntityType, remoteID, rec.BaseVersion); err != nil {
			return d.routeFailure(rec, err, logger)
		}
		return d.succeed(rec, 0, logger)

	default:
		return d.deadLetter(rec, fmt.Errorf("unknown operation %q", rec.Operation))
	}
}

// succeed acks a mutation and caches the remote version it produced.
func (d *Dispatcher) succeed(rec *models.MutationRecord, version int64, logger *events.Logger) error {
	if version > 0 {
		if err := d.ids.SetVersion(rec.LocalID, version); err != nil {
			return err
		}
	}
	if err := d.queue.Ack(rec.LocalID, rec.Seq); err != nil {
		return err
	}

	logger.WithField("version", version).Info("Mutation synced")
	d.emit(Event{Type: EventSynced, Timestamp: d.clock.Now(), Record: rec})
	return nil
}

// routeFailure classifies a remote error: conflicts go to the resolver,
// transient failures to the scheduler, permanent rejections to the
// dead-letter list.
func (d *Dispatcher) routeFailure(rec *models.MutationRecord, err error, logger *events.Logger) error {
	if conflict, ok := models.AsConflict(err); ok {
		return d.resolveConflict(rec, conflict, logger)
	}

	if models.IsTransient(err) {
		return d.scheduleRetry(rec, err, logger)
	}

	logger.WithError(err).Warn("Mutation rejected permanently")
	return d.deadLetter(rec, err)
}

// resolveConflict applies the resolver's decision to a version
// mismatch. The snapshot's version is cached in every branch: it is
// the latest observation of the remote, whatever happens next.
func (d *Dispatcher) resolveConflict(rec *models.MutationRecord, conflict *models.ConflictError, logger *events.Logger) error {
	snap := conflict.Snapshot

	if err := d.ids.SetVersion(rec.LocalID, snap.Version); err != nil {
		return err
	}

	switch d.resolver.Resolve(rec, snap) {
	case DecisionApplyLocal:
		logger.WithField("base_version", snap.Version).Info("Local edit wins, rebasing")
		if err := d.queue.Rebase(rec.LocalID, rec.Seq, snap.Version); err != nil {
			return err
		}
		d.emit(Event{Type: EventRebased, Timestamp: d.clock.Now(), Record: rec, Snapshot: snap})
		return nil

	case DecisionDiscardLocal:
		logger.WithField("remote_version", snap.Version).Info("Remote edit wins, adopting snapshot")
		if err := d.queue.Ack(rec.LocalID, rec.Seq); err != nil {
			return err
		}
		d.emit(Event{Type: EventRemoteAdopted, Timestamp: d.clock.Now(), Record: rec, Snapshot: snap})
		return nil

	default:
		logger.Warn("Conflict needs user resolution")
		if err := d.queue.MarkConflicted(rec.LocalID, rec.Seq, conflict.Error()); err != nil {
			return err
		}
		d.emit(Event{Type: EventConflict, Timestamp: d.clock.Now(), Record: rec, Snapshot: snap})
		return nil
	}
}

// scheduleRetry books the next attempt, or dead-letters the mutation
// once the retry budget is spent.
func (d *Dispatcher) scheduleRetry(rec *models.MutationRecord, cause error, logger *events.Logger) error {
	attempts := rec.AttemptCount + 1

	if d.scheduler.Exhausted(attempts) {
		logger.WithError(cause).Warn("Retry budget exhausted")
		return d.deadLetter(rec, cause)
	}

	delay := d.scheduler.NextDelay(rec.AttemptCount)
	nextAttempt := d.clock.Now().Add(delay)

	logger.WithFields(map[string]interface{}{
		"delay":        delay,
		"next_attempt": nextAttempt,
	}).Debug("Retry scheduled")

	if err := d.queue.Retry(rec.LocalID, rec.Seq, attempts, nextAttempt, cause.Error()); err != nil {
		return err
	}
	d.emit(Event{Type: EventRetryPlanned, Timestamp: d.clock.Now(), Record: rec, Err: cause})
	return nil
}

func (d *Dispatcher) deadLetter(rec *models.MutationRecord, cause error) error {
	if err := d.queue.Fail(rec.LocalID, rec.Seq, cause.Error()); err != nil {
		return err
	}
	d.emit(Event{Type: EventDeadLettered, Timestamp: d.clock.Now(), Record: rec, Err: cause})
	return nil
}

// remoteID resolves the remote target for a non-create mutation,
// preferring an ID pinned on the record itself.
func (d *Dispatcher) remoteID(rec *models.MutationRecord) (string, bool) {
	if rec.RemoteID != "" {
		return rec.RemoteID, true
	}
	return d.ids.Resolve(rec.LocalID)
}
