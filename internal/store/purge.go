package store

import (
	"context"
	"errors"
	"fmt"
)

// PurgeOwner removes every message and conversation belonging to one user
// plus the registration token. Used for session teardown: each step is
// attempted even if a previous one fails, and the errors are joined.
func (db *DB) PurgeOwner(ctx context.Context, owner string) error {
	var errs []error

	for _, kind := range []string{"message", "conversation"} {
		info := syncTables[kind]
		if _, err := db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE owner_id = ?`, info.table), owner); err != nil {
			errs = append(errs, fmt.Errorf("purge %s: %w", info.table, err))
			continue
		}
		db.notify(kind, "")
	}

	if err := db.ClearRegistrationToken(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear token: %w", err))
	}

	return errors.Join(errs...)
}
