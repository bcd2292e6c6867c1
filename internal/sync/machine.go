package sync

import (
	"context"
	"time"

	"github.com/mvellosa/courier/internal/config"
	"github.com/mvellosa/courier/internal/remote"
	"go.uber.org/zap"
)

// EntityStore is the per-kind persistence contract the state machine
// drives. Each method corresponds to exactly one edge of the lifecycle
// graph and must be implemented as an atomic compare-and-set on
// sync_state, so concurrent transitions for the same id cannot interleave.
type EntityStore interface {
	// Kind names the entity kind ("message", "conversation", ...).
	Kind() string
	// Pending returns records in StateLocal whose retry time has passed.
	Pending(ctx context.Context, now int64) ([]Record, error)
	// Claim attempts StateLocal -> StatePushing. Returns false if the
	// record was not claimable (already pushing, edited away, or gone).
	Claim(ctx context.Context, id string) (bool, error)
	// MarkSynced attempts StatePushing -> StateSynced and stores the
	// remote-assigned id. Returns false if the record left StatePushing
	// in the meantime (a newer local edit wins over the confirmation).
	MarkSynced(ctx context.Context, id, remoteID string) (bool, error)
	// MarkFailed performs StatePushing -> StateFailed, retaining reason.
	MarkFailed(ctx context.Context, id, reason string) error
	// Release performs StatePushing -> StateLocal with an incremented
	// attempt counter and a not-before retry timestamp.
	Release(ctx context.Context, id string, retryAt int64) error
	// Remove deletes the record once its remote delete is confirmed.
	// Returns false if the record left StatePushing in the meantime (a
	// local write resurrected it; the newer write wins).
	Remove(ctx context.Context, id string) (bool, error)
	// Recreate performs StateFailed -> StateLocal with attempts reset.
	Recreate(ctx context.Context, id string) error
}

// Machine applies the lifecycle transition rules for one entity kind.
// It owns the decision of where a finished push attempt lands; callers
// never write sync states directly.
type Machine struct {
	store  EntityStore
	policy config.Sync
	logger *zap.Logger
	now    func() time.Time
}

// NewMachine creates a state machine over the given store.
func NewMachine(store EntityStore, policy config.Sync, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		store:  store,
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

// Kind names the entity kind this machine drives.
func (m *Machine) Kind() string { return m.store.Kind() }

// Pending returns the records currently eligible for a push.
func (m *Machine) Pending(ctx context.Context) ([]Record, error) {
	return m.store.Pending(ctx, m.now().UnixMilli())
}

// Claim takes exclusive ownership of a record for one push attempt.
func (m *Machine) Claim(ctx context.Context, id string) (bool, error) {
	return m.store.Claim(ctx, id)
}

// Recreate returns a failed record to the pending pool.
func (m *Machine) Recreate(ctx context.Context, id string) error {
	return m.store.Recreate(ctx, id)
}

// Finish resolves a completed push attempt for a claimed record. Every
// path lands the record in synced, failed, or back in local — a record
// is never left in pushing. Returns the resulting state.
func (m *Machine) Finish(ctx context.Context, rec Record, remoteID string, pushErr error) (State, error) {
	if pushErr == nil {
		if rec.Op == OpDelete {
			// Delete confirmed: the tombstone's life ends here, unless a
			// local write resurrected the record while the delete flew.
			return m.removeConfirmed(ctx, rec)
		}
		applied, err := m.store.MarkSynced(ctx, rec.ID, remoteID)
		if err != nil {
			return StateFailed, err
		}
		if !applied {
			// A local edit or delete raced the confirmation; the newer
			// local mutation stays pending and wins.
			m.logger.Info("push confirmation superseded by local write",
				zap.String("kind", m.Kind()), zap.String("id", rec.ID))
			return StateLocal, nil
		}
		return StateSynced, nil
	}

	switch remote.KindOf(pushErr) {
	case remote.KindNotFound:
		if rec.Op == OpDelete {
			// Already gone remotely: treat as confirmed.
			return m.removeConfirmed(ctx, rec)
		}
		return StateFailed, m.store.MarkFailed(ctx, rec.ID, "remote target not found; refresh needed")
	case remote.KindTransient:
		if rec.Attempts+1 < m.policy.MaxAttempts {
			retryAt := m.now().Add(m.policy.Backoff(rec.Attempts)).UnixMilli()
			return StateLocal, m.store.Release(ctx, rec.ID, retryAt)
		}
		m.logger.Warn("retry budget exhausted",
			zap.String("kind", m.Kind()), zap.String("id", rec.ID),
			zap.Int("attempts", rec.Attempts+1), zap.Error(pushErr))
		return StateFailed, m.store.MarkFailed(ctx, rec.ID, pushErr.Error())
	default: // rejected
		return StateFailed, m.store.MarkFailed(ctx, rec.ID, pushErr.Error())
	}
}

// removeConfirmed resolves a confirmed remote delete. The removal CAS
// misses when the record was edited back to life mid-flight; the
// resurrected write stays pending and pushes on its own.
func (m *Machine) removeConfirmed(ctx context.Context, rec Record) (State, error) {
	applied, err := m.store.Remove(ctx, rec.ID)
	if err != nil {
		return StateFailed, err
	}
	if !applied {
		m.logger.Info("delete confirmation superseded by local write",
			zap.String("kind", m.Kind()), zap.String("id", rec.ID))
		return StateLocal, nil
	}
	return StateSynced, nil
}
