package sync

import (
	"github.com/lorekeep/loresync/internal/events"
	"github.com/lorekeep/loresync/internal/models"
)

// Decision is the resolver's verdict on a version conflict.
type Decision string

const (
	// DecisionApplyLocal re-issues the local write against the remote's
	// current version.
	DecisionApplyLocal Decision = "apply_local"

	// DecisionDiscardLocal drops the local mutation and adopts the
	// remote snapshot as ground truth.
	DecisionDiscardLocal Decision = "discard_local"

	// DecisionManualConflict parks the mutation for explicit user
	// choice.
	DecisionManualConflict Decision = "manual_conflict"
)

// Resolver decides version conflicts by last-write-wins on the user
// edit timestamps, with one exception: a delete racing a concurrent
// update is ambiguous and always goes to the user.
type Resolver struct {
	logger *events.Logger
}

// NewResolver creates a conflict resolver.
func NewResolver(logger *events.Logger) *Resolver {
	return &Resolver{logger: logger.WithField("component", "resolver")}
}

// Resolve compares a rejected mutation against the remote's current
// snapshot. Pure: no side effects, deterministic for given inputs.
//
// Ties go to the remote. The device that reached the server first
// keeps its write, which makes resolution reproducible everywhere.
func (r *Resolver) Resolve(rec *models.MutationRecord, snap *models.RemoteSnapshot) Decision {
	decision := r.decide(rec, snap)

	r.logger.WithFields(map[string]interface{}{
		"local_id":    rec.LocalID,
		"operation":   rec.Operation,
		"local_ts":    rec.ModifiedAt,
		"remote_ts":   snap.ModifiedAt,
		"remote_ver":  snap.Version,
		"remote_gone": snap.Deleted,
		"decision":    decision,
	}).Debug("Resolved conflict")

	return decision
}

func (r *Resolver) decide(rec *models.MutationRecord, snap *models.RemoteSnapshot) Decision {
	if rec.Operation == models.OpDelete {
		// Delete vs delete wants the same end state either way.
		if snap.Deleted {
			return DecisionDiscardLocal
		}
		// The record changed remotely while we tried to delete it.
		// Neither timestamp can tell us whether the user still wants
		// it gone.
		return DecisionManualConflict
	}

	if snap.Deleted {
		// Local edit against a remotely deleted record, the mirror of
		// the case above.
		return DecisionManualConflict
	}

	if rec.ModifiedAt.After(snap.ModifiedAt) {
		return DecisionApplyLocal
	}
	return DecisionDiscardLocal
}
