package identity_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/loresync/internal/events"
	"github.com/lorekeep/loresync/internal/identity"
	"github.com/lorekeep/loresync/internal/models"
	"github.com/lorekeep/loresync/internal/state"
)

func testLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

func TestAllocateUnique(t *testing.T) {
	store := state.NewMockStore()
	alloc, err := identity.NewAllocator(store, testLogger())
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := alloc.Allocate()
		require.NoError(t, err)
		assert.False(t, seen[id], "duplicate local ID %s", id)
		seen[id] = true
	}
}

func TestAllocateSurvivesRestart(t *testing.T) {
	store := state.NewMockStore()

	alloc, err := identity.NewAllocator(store, testLogger())
	require.NoError(t, err)

	first, err := alloc.Allocate()
	require.NoError(t, err)

	// Same store, fresh allocator: the counter and salt are restored,
	// so new IDs cannot collide with earlier ones.
	restarted, err := identity.NewAllocator(store, testLogger())
	require.NoError(t, err)

	second, err := restarted.Allocate()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestAllocatePersistsCounterBeforeHandout(t *testing.T) {
	store := state.NewMockStore()
	alloc, err := identity.NewAllocator(store, testLogger())
	require.NoError(t, err)

	store.SaveMetaErr = errors.New("disk full")
	_, err = alloc.Allocate()
	require.Error(t, err)

	// The failed allocation must not have consumed a counter value.
	store.SaveMetaErr = nil
	id, err := alloc.Allocate()
	require.NoError(t, err)
	assert.Contains(t, id, "l-1-")
}

func TestResolveUnbound(t *testing.T) {
	store := state.NewMockStore()
	alloc, err := identity.NewAllocator(store, testLogger())
	require.NoError(t, err)

	id, err := alloc.Allocate()
	require.NoError(t, err)

	_, ok := alloc.Resolve(id)
	assert.False(t, ok)

	_, ok = alloc.Resolve("l-never-seen")
	assert.False(t, ok)
}

func TestBindIdempotent(t *testing.T) {
	store := state.NewMockStore()
	alloc, err := identity.NewAllocator(store, testLogger())
	require.NoError(t, err)

	id, err := alloc.Allocate()
	require.NoError(t, err)

	require.NoError(t, alloc.Bind(id, "r-42"))
	require.NoError(t, alloc.Bind(id, "r-42"), "rebinding the same pair is a no-op")

	remoteID, ok := alloc.Resolve(id)
	require.True(t, ok)
	assert.Equal(t, "r-42", remoteID)
}

func TestBindConflict(t *testing.T) {
	store := state.NewMockStore()
	alloc, err := identity.NewAllocator(store, testLogger())
	require.NoError(t, err)

	id, err := alloc.Allocate()
	require.NoError(t, err)
	require.NoError(t, alloc.Bind(id, "r-42"))

	err = alloc.Bind(id, "r-43")
	var ice *models.IdentityConflictError
	require.ErrorAs(t, err, &ice)
	assert.Equal(t, "r-42", ice.Bound)
	assert.Equal(t, "r-43", ice.Attempted)

	// The original binding stands.
	remoteID, ok := alloc.Resolve(id)
	require.True(t, ok)
	assert.Equal(t, "r-42", remoteID)
}

func TestVersionCache(t *testing.T) {
	store := state.NewMockStore()
	alloc, err := identity.NewAllocator(store, testLogger())
	require.NoError(t, err)

	id, err := alloc.Allocate()
	require.NoError(t, err)

	_, ok := alloc.Version(id)
	assert.False(t, ok)

	require.NoError(t, alloc.SetVersion(id, 7))
	version, ok := alloc.Version(id)
	require.True(t, ok)
	assert.EqualValues(t, 7, version)
}

func TestEntriesSurviveRestart(t *testing.T) {
	store := state.NewMockStore()

	alloc, err := identity.NewAllocator(store, testLogger())
	require.NoError(t, err)

	id, err := alloc.Allocate()
	require.NoError(t, err)
	require.NoError(t, alloc.Bind(id, "r-9"))
	require.NoError(t, alloc.SetVersion(id, 2))

	restarted, err := identity.NewAllocator(store, testLogger())
	require.NoError(t, err)

	remoteID, ok := restarted.Resolve(id)
	require.True(t, ok)
	assert.Equal(t, "r-9", remoteID)

	version, ok := restarted.Version(id)
	require.True(t, ok)
	assert.EqualValues(t, 2, version)
}

func TestTrack(t *testing.T) {
	store := state.NewMockStore()
	alloc, err := identity.NewAllocator(store, testLogger())
	require.NoError(t, err)

	require.NoError(t, alloc.Track("app-supplied-id"))
	require.NoError(t, alloc.Track("app-supplied-id"), "tracking twice is a no-op")

	require.NoError(t, alloc.Bind("app-supplied-id", "r-5"))
	remoteID, ok := alloc.Resolve("app-supplied-id")
	require.True(t, ok)
	assert.Equal(t, "r-5", remoteID)
}
