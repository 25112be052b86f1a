package sync_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/loresync/internal/clock"
	"github.com/lorekeep/loresync/internal/config"
	"github.com/lorekeep/loresync/internal/events"
	"github.com/lorekeep/loresync/internal/identity"
	"github.com/lorekeep/loresync/internal/models"
	"github.com/lorekeep/loresync/internal/queue"
	"github.com/lorekeep/loresync/internal/services/sync"
	"github.com/lorekeep/loresync/internal/state"
	"github.com/lorekeep/loresync/internal/transport"
)

func testLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store  *state.MockStore
	clk    *clock.Fake
	ids    *identity.Allocator
	queue  *queue.Queue
	remote *transport.MockRemote
	svc    *sync.Service
}

// Zero jitter keeps backoff deterministic under the fake clock.
func testQueueConfig() *config.QueueConfig {
	return &config.QueueConfig{
		MaxConcurrent: 2,
		MaxAttempts:   3,
		RetryBase:     time.Second,
		RetryCap:      30 * time.Second,
		RetryJitter:   0,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:  state.NewMockStore(),
		clk:    clock.NewFake(testStart),
		remote: transport.NewMockRemote(),
	}
	h.build(t)
	return h
}

func (h *harness) build(t *testing.T) {
	t.Helper()

	logger := testLogger()

	ids, err := identity.NewAllocator(h.store, logger)
	require.NoError(t, err)
	h.ids = ids

	q, err := queue.New(h.store, h.clk, logger)
	require.NoError(t, err)
	h.queue = q

	h.svc = sync.NewService(q, ids, h.remote, testQueueConfig(), h.clk, logger)
}

// restart rebuilds the service over the same store, as a new process
// would after a crash.
func (h *harness) restart(t *testing.T) {
	t.Helper()
	require.NoError(t, h.svc.Close())
	h.build(t)
}

func (h *harness) enqueue(t *testing.T, op models.Operation, localID, payload string) (*models.MutationRecord, string) {
	t.Helper()
	rec, id, err := h.svc.Enqueue(op, "character", json.RawMessage(payload), localID)
	require.NoError(t, err)
	return rec, id
}

func (h *harness) pump(t *testing.T) {
	t.Helper()
	require.NoError(t, h.svc.Pump(context.Background()))
}

func TestCreateThenUpdateFlow(t *testing.T) {
	h := newHarness(t)

	rec, localID := h.enqueue(t, models.OpCreate, "", `{"name":"Thrain"}`)
	require.NotNil(t, rec)
	require.NotEmpty(t, localID)

	h.pump(t)

	remoteID, ok := h.ids.Resolve(localID)
	require.True(t, ok)
	payload, version, ok := h.remote.Record(remoteID)
	require.True(t, ok)
	assert.JSONEq(t, `{"name":"Thrain"}`, string(payload))
	assert.EqualValues(t, 1, version)

	status := h.svc.Status()
	assert.Equal(t, models.StateSynced, status.State)
	assert.Equal(t, 0, status.Depth)

	// The cached version feeds the next write's base version.
	h.enqueue(t, models.OpUpdate, localID, `{"name":"Thrain, Oathbreaker"}`)
	h.pump(t)

	_, version, ok = h.remote.Record(remoteID)
	require.True(t, ok)
	assert.EqualValues(t, 2, version)

	last := h.remote.Calls[len(h.remote.Calls)-1]
	assert.Equal(t, "update", last.Op)
	assert.EqualValues(t, 1, last.BaseVer)
}

func TestCoalescedEditsReachRemoteOnce(t *testing.T) {
	h := newHarness(t)

	_, localID := h.enqueue(t, models.OpCreate, "", `{"name":"Thrain"}`)
	h.pump(t)

	h.enqueue(t, models.OpUpdate, localID, `{"name":"v2"}`)
	h.enqueue(t, models.OpUpdate, localID, `{"name":"v3"}`)
	assert.Equal(t, 1, h.svc.Status().Depth)

	h.pump(t)

	assert.Equal(t, 1, h.remote.CallCount("update"))
	remoteID, _ := h.ids.Resolve(localID)
	payload, _, _ := h.remote.Record(remoteID)
	assert.JSONEq(t, `{"name":"v3"}`, string(payload))
}

func TestDeleteOfUnsentCreateNeverReachesRemote(t *testing.T) {
	h := newHarness(t)

	_, localID := h.enqueue(t, models.OpCreate, "", `{"name":"Thrain"}`)

	rec, _, err := h.svc.Enqueue(models.OpDelete, "character", nil, localID)
	require.NoError(t, err)
	assert.Nil(t, rec, "delete of an unsent create completes locally")

	assert.Equal(t, 0, h.svc.Status().Depth)
	assert.Equal(t, 0, h.remote.CallCount(""))
}

func TestDeleteOfUnboundEntityAcksLocally(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ids.Track("draft-1"))
	rec, _ := h.enqueue(t, models.OpDelete, "draft-1", `{}`)
	require.NotNil(t, rec)

	h.pump(t)

	assert.Equal(t, 0, h.svc.Status().Depth)
	assert.Equal(t, 0, h.remote.CallCount("delete"))
}

func TestConflictRemoteEditWins(t *testing.T) {
	h := newHarness(t)

	_, localID := h.enqueue(t, models.OpCreate, "", `{"name":"Thrain"}`)
	h.pump(t)
	remoteID, _ := h.ids.Resolve(localID)

	// Another device edited the record after our create landed.
	h.remote.SetRecord(remoteID, "character", 2, json.RawMessage(`{"name":"Mordor"}`), h.clk.Now().Add(time.Minute))

	h.enqueue(t, models.OpUpdate, localID, `{"name":"Thrain, Oathbreaker"}`)
	h.pump(t)

	// The remote edit was newer, so the local one is dropped.
	payload, version, ok := h.remote.Record(remoteID)
	require.True(t, ok)
	assert.JSONEq(t, `{"name":"Mordor"}`, string(payload))
	assert.EqualValues(t, 2, version)

	assert.Equal(t, 0, h.svc.Status().Depth)

	cached, ok := h.ids.Version(localID)
	require.True(t, ok)
	assert.EqualValues(t, 2, cached, "the conflicting snapshot's version is adopted")
}

func TestConflictLocalEditWinsAndRebases(t *testing.T) {
	h := newHarness(t)

	_, localID := h.enqueue(t, models.OpCreate, "", `{"name":"Thrain"}`)
	h.pump(t)
	remoteID, _ := h.ids.Resolve(localID)

	// The remote moved on, but its edit predates ours.
	h.remote.SetRecord(remoteID, "character", 2, json.RawMessage(`{"name":"Mordor"}`), h.clk.Now().Add(-time.Hour))

	h.enqueue(t, models.OpUpdate, localID, `{"name":"Thrain, Oathbreaker"}`)
	h.pump(t)

	// One pump: the conflict rebases onto version 2 and the re-issued
	// update lands in the same drain.
	payload, version, ok := h.remote.Record(remoteID)
	require.True(t, ok)
	assert.JSONEq(t, `{"name":"Thrain, Oathbreaker"}`, string(payload))
	assert.EqualValues(t, 3, version)
	assert.Equal(t, 0, h.svc.Status().Depth)
}

func TestDeleteAgainstConcurrentUpdateParks(t *testing.T) {
	h := newHarness(t)

	_, localID := h.enqueue(t, models.OpCreate, "", `{"name":"Thrain"}`)
	h.pump(t)
	remoteID, _ := h.ids.Resolve(localID)

	h.remote.SetRecord(remoteID, "character", 2, json.RawMessage(`{"name":"Mordor"}`), h.clk.Now().Add(time.Minute))

	h.enqueue(t, models.OpDelete, localID, `{}`)
	h.pump(t)

	status := h.svc.Status()
	assert.Equal(t, models.StateConflict, status.State)
	assert.Equal(t, 1, status.Conflicts)
	assert.False(t, h.remote.Deleted(remoteID))
}

func TestResolveConflictKeepRemote(t *testing.T) {
	h := newHarness(t)

	_, localID := h.enqueue(t, models.OpCreate, "", `{"name":"Thrain"}`)
	h.pump(t)
	remoteID, _ := h.ids.Resolve(localID)
	h.remote.SetRecord(remoteID, "character", 2, json.RawMessage(`{"name":"Mordor"}`), h.clk.Now().Add(time.Minute))
	h.enqueue(t, models.OpDelete, localID, `{}`)
	h.pump(t)

	require.NoError(t, h.svc.ResolveConflict(localID, sync.ChoiceKeepRemote))

	assert.Equal(t, 0, h.svc.Status().Depth)
	assert.False(t, h.remote.Deleted(remoteID), "keeping remote abandons the delete")
}

func TestResolveConflictKeepLocal(t *testing.T) {
	h := newHarness(t)

	_, localID := h.enqueue(t, models.OpCreate, "", `{"name":"Thrain"}`)
	h.pump(t)
	remoteID, _ := h.ids.Resolve(localID)
	h.remote.SetRecord(remoteID, "character", 2, json.RawMessage(`{"name":"Mordor"}`), h.clk.Now().Add(time.Minute))
	h.enqueue(t, models.OpDelete, localID, `{}`)
	h.pump(t)

	require.NoError(t, h.svc.ResolveConflict(localID, sync.ChoiceKeepLocal))
	h.pump(t)

	// Rebased onto the observed version 2, the delete now succeeds.
	assert.True(t, h.remote.Deleted(remoteID))
	assert.Equal(t, 0, h.svc.Status().Depth)
}

func TestResolveConflictRequiresParkedMutation(t *testing.T) {
	h := newHarness(t)

	err := h.svc.ResolveConflict("l-nope", sync.ChoiceKeepLocal)
	assert.ErrorIs(t, err, models.ErrNotConflicted)
}

func TestRetryBudgetDeadLetters(t *testing.T) {
	h := newHarness(t)
	h.remote.Offline = true

	_, localID := h.enqueue(t, models.OpCreate, "", `{"name":"Thrain"}`)

	// Attempts 1 and 2 reschedule; attempt 3 spends the budget.
	h.pump(t)
	h.clk.Advance(2 * time.Second)
	h.pump(t)
	h.clk.Advance(3 * time.Second)
	h.pump(t)

	status := h.svc.Status()
	assert.Equal(t, models.StateError, status.State)
	assert.Equal(t, 0, status.Depth)
	assert.Equal(t, 1, status.DeadLetters)
	assert.Equal(t, 3, h.remote.CallCount("create"))

	require.NoError(t, h.svc.Dismiss(localID))
	assert.Equal(t, 0, h.svc.Status().DeadLetters)
	assert.ErrorIs(t, h.svc.Dismiss(localID), models.ErrUnknownLocalID)
}

func TestTransientFailureRetriesAfterBackoff(t *testing.T) {
	h := newHarness(t)
	h.remote.FailNextN = 1

	_, localID := h.enqueue(t, models.OpCreate, "", `{"name":"Thrain"}`)

	h.pump(t)
	assert.Equal(t, 1, h.svc.Status().Depth, "still queued behind its backoff")

	// Pumping before the backoff elapses dispatches nothing.
	h.pump(t)
	assert.Equal(t, 1, h.remote.CallCount("create"))

	h.clk.Advance(2 * time.Second)
	h.pump(t)

	assert.Equal(t, 2, h.remote.CallCount("create"))
	assert.Equal(t, 0, h.svc.Status().Depth)
	_, ok := h.ids.Resolve(localID)
	assert.True(t, ok)
}

func TestValidationErrorDeadLettersImmediately(t *testing.T) {
	h := newHarness(t)
	h.remote.CreateError = &models.ValidationError{
		StatusCode: 422,
		Code:       models.ErrCodeValidation,
		Message:    "name must not be empty",
	}

	h.enqueue(t, models.OpCreate, "", `{"name":""}`)
	h.pump(t)

	status := h.svc.Status()
	assert.Equal(t, 1, status.DeadLetters)
	assert.Equal(t, 1, h.remote.CallCount("create"), "permanent rejections are not retried")
}

func TestUpdateBeforeBindingRetries(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ids.Track("draft-1"))
	h.enqueue(t, models.OpUpdate, "draft-1", `{"name":"Thrain"}`)

	h.pump(t)

	recs := h.queue.Get("draft-1")
	require.Len(t, recs, 1)
	assert.Equal(t, models.StatusRetrying, recs[0].Status)
	assert.Contains(t, recs[0].LastError, "not yet bound")
	assert.Equal(t, 0, h.remote.CallCount("update"))
}

func TestEnqueueUpdateRequiresLocalID(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.svc.Enqueue(models.OpUpdate, "character", json.RawMessage(`{}`), "")
	assert.ErrorContains(t, err, "requires a local ID")
}

func TestRestartPreservesBindingsAndQueue(t *testing.T) {
	h := newHarness(t)

	_, localID := h.enqueue(t, models.OpCreate, "", `{"name":"Thrain"}`)
	h.pump(t)
	h.enqueue(t, models.OpUpdate, localID, `{"name":"v2"}`)

	h.restart(t)

	assert.Equal(t, 1, h.svc.Status().Depth, "queued update survives restart")
	h.pump(t)

	last := h.remote.Calls[len(h.remote.Calls)-1]
	assert.Equal(t, "update", last.Op)
	assert.Equal(t, "r-1", last.RemoteID, "identity binding survives restart")
	assert.EqualValues(t, 1, last.BaseVer)
	assert.Equal(t, 0, h.svc.Status().Depth)
}

func TestComingOnlineDrainsQueue(t *testing.T) {
	h := newHarness(t)

	h.enqueue(t, models.OpCreate, "", `{"name":"Thrain"}`)
	assert.Equal(t, models.StateOfflinePending, h.svc.Status().State)

	h.svc.SetOnline(true)

	require.Eventually(t, func() bool {
		return h.svc.Status().Depth == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.StateSynced, h.svc.Status().State)
}

func TestEventsObserveSyncLifecycle(t *testing.T) {
	h := newHarness(t)

	h.enqueue(t, models.OpCreate, "", `{"name":"Thrain"}`)
	h.pump(t)

	seen := map[sync.EventType]bool{}
	for {
		select {
		case evt := <-h.svc.Events():
			seen[evt.Type] = true
			continue
		default:
		}
		break
	}

	assert.True(t, seen[sync.EventPumpStarted])
	assert.True(t, seen[sync.EventSynced])
	assert.True(t, seen[sync.EventPumpComplete])
}

// overlapRemote counts updates in flight per remote ID and flags any
// moment two target the same record at once.
type overlapRemote struct {
	*transport.MockRemote
	inFlight map[string]*atomic.Int32
	overlaps atomic.Int32
}

func (r *overlapRemote) UpdateRecord(ctx context.Context, entityType, remoteID string, payload json.RawMessage, baseVersion int64) (*transport.WriteResult, error) {
	if c := r.inFlight[remoteID]; c != nil {
		if c.Add(1) > 1 {
			r.overlaps.Add(1)
		}
		// Hold the slot open long enough for a racing dispatch to show.
		time.Sleep(time.Millisecond)
		defer c.Add(-1)
	}
	return r.MockRemote.UpdateRecord(ctx, entityType, remoteID, payload, baseVersion)
}

func TestConcurrentEnqueueAndPumpSingleFlight(t *testing.T) {
	store := state.NewMockStore()
	clk := clock.NewFake(testStart)
	logger := testLogger()

	ids, err := identity.NewAllocator(store, logger)
	require.NoError(t, err)
	q, err := queue.New(store, clk, logger)
	require.NoError(t, err)

	remote := &overlapRemote{
		MockRemote: transport.NewMockRemote(),
		inFlight:   make(map[string]*atomic.Int32),
	}
	svc := sync.NewService(q, ids, remote, testQueueConfig(), clk, logger)
	ctx := context.Background()

	localIDs := make([]string, 4)
	for i := range localIDs {
		_, id, err := svc.Enqueue(models.OpCreate, "character", json.RawMessage(`{"n":0}`), "")
		require.NoError(t, err)
		localIDs[i] = id
	}
	require.NoError(t, svc.Pump(ctx))
	for _, id := range localIDs {
		remoteID, ok := ids.Resolve(id)
		require.True(t, ok)
		remote.inFlight[remoteID] = new(atomic.Int32)
	}

	stopPump := make(chan struct{})
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for {
			select {
			case <-stopPump:
				return
			default:
				_ = svc.Pump(ctx)
			}
		}
	}()

	enqueued := make(chan struct{}, len(localIDs))
	for g, id := range localIDs {
		go func(g int, localID string) {
			defer func() { enqueued <- struct{}{} }()
			for i := 0; i < 25; i++ {
				payload := json.RawMessage(fmt.Sprintf(`{"n":%d}`, g*100+i))
				_, _, err := svc.Enqueue(models.OpUpdate, "character", payload, localID)
				assert.NoError(t, err)
			}
		}(g, id)
	}
	for range localIDs {
		<-enqueued
	}

	close(stopPump)
	<-pumpDone

	for i := 0; i < 5 && svc.Status().Depth > 0; i++ {
		require.NoError(t, svc.Pump(ctx))
	}

	assert.EqualValues(t, 0, remote.overlaps.Load(),
		"two mutations for one entity were in flight at once")
	assert.Equal(t, 0, svc.Status().Depth)
}

func TestPerEntityOrderMatchesEnqueueOrder(t *testing.T) {
	h := newHarness(t)

	_, charID, err := h.svc.Enqueue(models.OpCreate, "character", json.RawMessage(`{"name":"Thrain"}`), "")
	require.NoError(t, err)
	_, locID, err := h.svc.Enqueue(models.OpCreate, "location", json.RawMessage(`{"name":"Erebor"}`), "")
	require.NoError(t, err)
	h.pump(t)

	_, _, err = h.svc.Enqueue(models.OpUpdate, "character", json.RawMessage(`{"name":"v2"}`), charID)
	require.NoError(t, err)
	_, _, err = h.svc.Enqueue(models.OpUpdate, "location", json.RawMessage(`{"name":"Dale"}`), locID)
	require.NoError(t, err)
	h.pump(t)

	_, _, err = h.svc.Enqueue(models.OpDelete, "character", nil, charID)
	require.NoError(t, err)
	_, _, err = h.svc.Enqueue(models.OpUpdate, "location", json.RawMessage(`{"name":"Esgaroth"}`), locID)
	require.NoError(t, err)
	h.pump(t)

	// Dispatch may interleave the two entities, but each entity's own
	// calls must land in enqueue order.
	var charOps, locOps []string
	for _, call := range h.remote.Calls {
		switch call.EntityType {
		case "character":
			charOps = append(charOps, call.Op)
		case "location":
			locOps = append(locOps, call.Op)
		}
	}
	assert.Equal(t, []string{"create", "update", "delete"}, charOps)
	assert.Equal(t, []string{"create", "update", "update"}, locOps)
}

// churnRemote conflicts on every update, advancing its version each
// time so a rebased re-issue conflicts again on the next pass.
type churnRemote struct {
	version atomic.Int64
	calls   atomic.Int32
}

func (r *churnRemote) CreateRecord(ctx context.Context, entityType string, payload json.RawMessage) (*transport.CreateResult, error) {
	return &transport.CreateResult{RemoteID: "r-1", Version: 1}, nil
}

func (r *churnRemote) UpdateRecord(ctx context.Context, entityType, remoteID string, payload json.RawMessage, baseVersion int64) (*transport.WriteResult, error) {
	r.calls.Add(1)
	return nil, &models.ConflictError{
		RemoteID: remoteID,
		Snapshot: &models.RemoteSnapshot{
			RemoteID:   remoteID,
			EntityType: entityType,
			Version:    r.version.Add(1) + 1,
			ModifiedAt: testStart.Add(-time.Hour),
			Payload:    json.RawMessage(`{}`),
		},
	}
}

func (r *churnRemote) DeleteRecord(ctx context.Context, entityType, remoteID string, baseVersion int64) error {
	return nil
}

func TestPumpYieldsUnderSustainedRemoteChurn(t *testing.T) {
	store := state.NewMockStore()
	clk := clock.NewFake(testStart)
	logger := testLogger()

	ids, err := identity.NewAllocator(store, logger)
	require.NoError(t, err)
	q, err := queue.New(store, clk, logger)
	require.NoError(t, err)

	remote := &churnRemote{}
	svc := sync.NewService(q, ids, remote, testQueueConfig(), clk, logger)

	require.NoError(t, ids.Track("l-1"))
	require.NoError(t, ids.Bind("l-1", "r-1"))
	require.NoError(t, ids.SetVersion("l-1", 1))

	// The local edit always outranks the stale snapshot, so every
	// conflict rebases and becomes eligible again within the same pump.
	_, _, err = svc.Enqueue(models.OpUpdate, "character", json.RawMessage(`{"name":"Thrain"}`), "l-1")
	require.NoError(t, err)

	require.NoError(t, svc.Pump(context.Background()))

	assert.EqualValues(t, 8, remote.calls.Load(),
		"one re-issue per pass, then the pump gives the slice back")
	assert.Equal(t, 1, svc.Status().Depth, "the mutation stays queued for the next pump")
}
