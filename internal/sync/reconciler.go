package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// RefreshSpec wires one entity kind into the generic refresh pass.
// Fetch pulls the remote-authoritative listing; Merge upserts one remote
// entity into the local store; SyncedIDs and Remove handle the rows that
// were deleted elsewhere.
type RefreshSpec[T any] struct {
	Kind      string
	Fetch     func(ctx context.Context) ([]T, error)
	IDOf      func(T) string
	Merge     func(ctx context.Context, item T) error
	SyncedIDs func(ctx context.Context) ([]string, error)
	Remove    func(ctx context.Context, id string) error
}

// Refresh reconciles one entity kind against a full remote listing:
// every remote entity is upserted, and local rows that are synced but
// absent remotely are removed (they were deleted on another device).
// Rows mid-lifecycle (local, pushing, failed) are never touched.
func Refresh[T any](ctx context.Context, spec RefreshSpec[T], logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	items, err := spec.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("refresh %s: fetch: %w", spec.Kind, err)
	}

	seen := make(map[string]bool, len(items))
	for _, item := range items {
		seen[spec.IDOf(item)] = true
		if err := spec.Merge(ctx, item); err != nil {
			return fmt.Errorf("refresh %s: merge %s: %w", spec.Kind, spec.IDOf(item), err)
		}
	}

	ids, err := spec.SyncedIDs(ctx)
	if err != nil {
		return fmt.Errorf("refresh %s: list synced: %w", spec.Kind, err)
	}
	removed := 0
	for _, id := range ids {
		if seen[id] {
			continue
		}
		if err := spec.Remove(ctx, id); err != nil {
			return fmt.Errorf("refresh %s: remove %s: %w", spec.Kind, id, err)
		}
		removed++
	}

	logger.Info("refresh reconciled",
		zap.String("kind", spec.Kind),
		zap.Int("remote", len(items)),
		zap.Int("removed", removed))
	return nil
}
