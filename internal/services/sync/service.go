package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lorekeep/loresync/internal/clock"
	"github.com/lorekeep/loresync/internal/config"
	"github.com/lorekeep/loresync/internal/events"
	"github.com/lorekeep/loresync/internal/identity"
	"github.com/lorekeep/loresync/internal/models"
	"github.com/lorekeep/loresync/internal/queue"
	"github.com/lorekeep/loresync/internal/transport"
)

// Choice is the user's verdict on a parked conflict.
type Choice string

const (
	ChoiceKeepLocal  Choice = "local"
	ChoiceKeepRemote Choice = "remote"
)

// Service is the sync facade the editing layer talks to: enqueue
// writes, pump the queue, resolve parked conflicts, observe status.
type Service struct {
	queue      *queue.Queue
	ids        *identity.Allocator
	dispatcher *Dispatcher
	clock      clock.Clock
	logger     *events.Logger

	online atomic.Bool

	eventMu      sync.Mutex
	events       chan Event
	eventsClosed bool
}

// NewService wires the sync core over an existing queue, identity
// allocator, and remote.
func NewService(
	q *queue.Queue,
	ids *identity.Allocator,
	remote transport.Remote,
	cfg *config.QueueConfig,
	clk clock.Clock,
	logger *events.Logger,
) *Service {
	s := &Service{
		queue:  q,
		ids:    ids,
		clock:  clk,
		logger: logger.WithField("service", "sync"),
		events: make(chan Event, 100),
	}

	resolver := NewResolver(logger)
	scheduler := NewScheduler(cfg, nil)
	s.dispatcher = NewDispatcher(q, ids, remote, resolver, scheduler, clk, cfg.MaxConcurrent, s.publish, logger)

	return s
}

// Enqueue records a write performed by the editing layer. For creates
// with no localID a fresh one is allocated; updates and deletes must
// name an existing entity. The queued record and its local ID are
// returned once the mutation is durably persisted; an error means it
// was NOT enqueued and the caller may retry the user action.
func (s *Service) Enqueue(op models.Operation, entityType string, payload json.RawMessage, localID string) (*models.MutationRecord, string, error) {
	if localID == "" {
		if op != models.OpCreate {
			return nil, "", fmt.Errorf("%s requires a local ID", op)
		}
		id, err := s.ids.Allocate()
		if err != nil {
			return nil, "", err
		}
		localID = id
	} else if err := s.ids.Track(localID); err != nil {
		return nil, "", err
	}

	rec := &models.MutationRecord{
		LocalID:    localID,
		EntityType: entityType,
		Payload:    payload,
		Operation:  op,
		ModifiedAt: s.clock.Now(),
	}

	if op != models.OpCreate {
		if version, ok := s.ids.Version(localID); ok {
			rec.BaseVersion = version
		}
		if remoteID, ok := s.ids.Resolve(localID); ok {
			rec.RemoteID = remoteID
		}
	}

	stored, err := s.queue.Enqueue(rec)
	if err != nil {
		return nil, "", err
	}
	if stored == nil {
		// The delete cancelled an unsent create; there is nothing left
		// to sync for this entity.
		s.logger.WithField("local_id", localID).Debug("Delete completed locally")
		return nil, localID, nil
	}

	if s.online.Load() {
		s.TryPump()
	}

	return stored, localID, nil
}

// Pump synchronously drains the queue. Most callers want TryPump; the
// CLI's one-shot push uses this directly.
func (s *Service) Pump(ctx context.Context) error {
	return s.dispatcher.Pump(ctx)
}

// TryPump starts a background pump unless one is already running.
func (s *Service) TryPump() {
	go func() {
		err := s.dispatcher.Pump(context.Background())
		if err != nil && !errors.Is(err, models.ErrPumpInProgress) {
			s.logger.WithError(err).Error("Background pump failed")
		}
	}()
}

// ResolveConflict applies the user's choice to a parked conflict.
// Keeping the local edit rebases it onto the last observed remote
// version and re-dispatches; keeping the remote drops the local
// mutation.
func (s *Service) ResolveConflict(localID string, choice Choice) error {
	var conflicted *models.MutationRecord
	for _, rec := range s.queue.Get(localID) {
		if rec.Status == models.StatusConflicted {
			conflicted = rec
			break
		}
	}
	if conflicted == nil {
		return models.ErrNotConflicted
	}

	switch choice {
	case ChoiceKeepLocal:
		version, ok := s.ids.Version(localID)
		if !ok {
			return fmt.Errorf("no remote version cached for %s", localID)
		}
		if err := s.queue.Rebase(localID, conflicted.Seq, version); err != nil {
			return err
		}
		s.logger.WithFields(map[string]interface{}{
			"local_id":     localID,
			"base_version": version,
		}).Info("Conflict resolved, keeping local edit")

		if s.online.Load() {
			s.TryPump()
		}
		return nil

	case ChoiceKeepRemote:
		if err := s.queue.Ack(localID, conflicted.Seq); err != nil {
			return err
		}
		s.logger.WithField("local_id", localID).Info("Conflict resolved, keeping remote state")
		s.publish(Event{Type: EventRemoteAdopted, Timestamp: s.clock.Now(), Record: conflicted})
		return nil

	default:
		return fmt.Errorf("unknown choice %q", choice)
	}
}

// Dismiss discards a dead-lettered mutation after the user has seen it.
func (s *Service) Dismiss(localID string) error {
	return s.queue.DismissDeadLetter(localID)
}

// Status projects the current queue into display form.
func (s *Service) Status() *models.QueueStatus {
	return Project(
		s.queue.PeekAll(),
		s.queue.DeadLetters(),
		s.ids.Entries(),
		s.online.Load(),
		s.clock.Now(),
	)
}

// SetOnline records a connectivity transition. Coming online kicks a
// pump so queued work drains without waiting for a caller.
func (s *Service) SetOnline(online bool) {
	was := s.online.Swap(online)
	if online && !was {
		s.TryPump()
	}
}

// Online reports the last known connectivity state.
func (s *Service) Online() bool {
	return s.online.Load()
}

// Events returns the sync event stream. Events are dropped, never
// blocked on, when the consumer falls behind.
func (s *Service) Events() <-chan Event {
	return s.events
}

// Close shuts the event stream down.
func (s *Service) Close() error {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	if !s.eventsClosed {
		close(s.events)
		s.eventsClosed = true
	}
	return nil
}

func (s *Service) publish(evt Event) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	if s.eventsClosed {
		return
	}
	select {
	case s.events <- evt:
	default:
	}
}
