package sync

import (
	"sort"
	"time"

	"github.com/lorekeep/loresync/internal/models"
)

// Project derives per-entity and aggregate sync status from the raw
// mutation lists. Pure: it reads its inputs and touches nothing else,
// so status is always a consistent function of queue state.
func Project(mutations, deadLetters []*models.MutationRecord, identities []*models.IdentityEntry, online bool, now time.Time) *models.QueueStatus {
	remoteIDs := make(map[string]string, len(identities))
	for _, entry := range identities {
		if entry.Bound() {
			remoteIDs[entry.LocalID] = entry.RemoteID
		}
	}

	byEntity := make(map[string]*models.EntityStatus)
	order := []string{}

	entity := func(rec *models.MutationRecord) *models.EntityStatus {
		st, ok := byEntity[rec.LocalID]
		if !ok {
			st = &models.EntityStatus{
				LocalID:    rec.LocalID,
				RemoteID:   remoteIDs[rec.LocalID],
				EntityType: rec.EntityType,
				State:      models.StateSynced,
			}
			byEntity[rec.LocalID] = st
			order = append(order, rec.LocalID)
		}
		return st
	}

	inFlight := 0
	conflicts := 0
	var oldest time.Time

	for _, rec := range mutations {
		st := entity(rec)
		st.PendingCount++
		if rec.LastError != "" {
			st.LastError = rec.LastError
		}

		switch rec.Status {
		case models.StatusInFlight:
			inFlight++
			promote(st, models.StateSyncing)
		case models.StatusConflicted:
			conflicts++
			promote(st, models.StateConflict)
		default:
			if online {
				promote(st, models.StateSyncing)
			} else {
				promote(st, models.StateOfflinePending)
			}
		}

		if oldest.IsZero() || rec.CreatedAt.Before(oldest) {
			oldest = rec.CreatedAt
		}
	}

	for _, rec := range deadLetters {
		st := entity(rec)
		promote(st, models.StateError)
		if rec.LastError != "" {
			st.LastError = rec.LastError
		}
	}

	status := &models.QueueStatus{
		Online:      online,
		Depth:       len(mutations),
		InFlight:    inFlight,
		Conflicts:   conflicts,
		DeadLetters: len(deadLetters),
	}
	if !oldest.IsZero() {
		status.OldestPendingAge = now.Sub(oldest)
	}

	switch {
	case conflicts > 0:
		status.State = models.StateConflict
	case len(deadLetters) > 0:
		status.State = models.StateError
	case len(mutations) == 0:
		status.State = models.StateSynced
	case !online:
		status.State = models.StateOfflinePending
	default:
		status.State = models.StateSyncing
	}

	sort.Strings(order)
	for _, localID := range order {
		status.Entities = append(status.Entities, *byEntity[localID])
	}

	return status
}

// stateRank orders states by severity so one entity's status reflects
// its most pressing mutation.
var stateRank = map[models.SyncState]int{
	models.StateSynced:         0,
	models.StateSyncing:        1,
	models.StateOfflinePending: 2,
	models.StateError:          3,
	models.StateConflict:       4,
}

func promote(st *models.EntityStatus, state models.SyncState) {
	if stateRank[state] > stateRank[st.State] {
		st.State = state
	}
}
