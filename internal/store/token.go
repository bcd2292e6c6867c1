package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	intsync "github.com/mvellosa/courier/internal/sync"
)

// deviceTokenID is the fixed id of the singleton registration token row.
const deviceTokenID = "device"

// SetRegistrationToken stores or replaces the device notification token
// and queues it for remote registration. The row is a singleton, so a
// changed token coalesces with any pending registration.
func (db *DB) SetRegistrationToken(ctx context.Context, owner, token string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO push_tokens (id, token, owner_id, sync_state, op, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			token = excluded.token,
			owner_id = excluded.owner_id,
			sync_state = excluded.sync_state,
			op = excluded.op,
			attempts = 0,
			retry_at = 0,
			last_error = '',
			updated_at = excluded.updated_at`,
		deviceTokenID, token, owner, intsync.StateLocal, intsync.OpCreate, now)
	if err != nil {
		return fmt.Errorf("set registration token: %w", err)
	}
	db.notify("token", deviceTokenID)
	return nil
}

// GetRegistrationToken returns the singleton token row, or nil if absent.
func (db *DB) GetRegistrationToken(ctx context.Context) (*PushToken, error) {
	var t PushToken
	err := db.QueryRowContext(ctx, `
		SELECT id, token, owner_id, sync_state, op, attempts, retry_at, last_error, remote_id, updated_at
		FROM push_tokens WHERE id = ?`, deviceTokenID).
		Scan(&t.ID, &t.Token, &t.Sync.Owner, &t.Sync.State, &t.Sync.Op, &t.Sync.Attempts,
			&t.Sync.RetryAt, &t.Sync.LastError, &t.Sync.RemoteID, &t.Sync.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ClearRegistrationToken removes the token row locally. Used during
// session teardown; remote unregistration is the caller's concern.
func (db *DB) ClearRegistrationToken(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `DELETE FROM push_tokens WHERE id = ?`, deviceTokenID)
	if err == nil {
		db.notify("token", deviceTokenID)
	}
	return err
}
