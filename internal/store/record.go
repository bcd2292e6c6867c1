package store

import (
	"context"
	"fmt"
	"time"

	intsync "github.com/mvellosa/courier/internal/sync"
)

// tableInfo describes how one entity kind maps onto its sync table.
// onSynced is an extra SET fragment applied when a push is confirmed
// (messages flip their is_sent flag).
type tableInfo struct {
	table    string
	onSynced string
}

var syncTables = map[string]tableInfo{
	"message":      {table: "messages", onSynced: ", is_sent = 1"},
	"conversation": {table: "conversations"},
	"announcement": {table: "announcements"},
	"token":        {table: "push_tokens"},
}

// RecordStore adapts one syncable table to the state machine's
// EntityStore contract. All four entity kinds share this one
// implementation; only the table differs.
type RecordStore struct {
	db   *DB
	kind string
	info tableInfo
}

// SyncStore returns the EntityStore adapter for an entity kind.
// Panics on an unknown kind; the set of kinds is fixed at compile time.
func (db *DB) SyncStore(kind string) *RecordStore {
	info, ok := syncTables[kind]
	if !ok {
		panic(fmt.Sprintf("store: unknown syncable kind %q", kind))
	}
	return &RecordStore{db: db, kind: kind, info: info}
}

// Kind names the entity kind this store drives.
func (r *RecordStore) Kind() string { return r.kind }

// Pending returns records waiting for a push whose retry time has passed,
// oldest first so per-conversation mutation order is preserved.
func (r *RecordStore) Pending(ctx context.Context, now int64) ([]intsync.Record, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, owner_id, sync_state, op, attempts, retry_at, last_error
		FROM %s WHERE sync_state = ? AND retry_at <= ?
		ORDER BY updated_at ASC`, r.info.table),
		intsync.StateLocal, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []intsync.Record
	for rows.Next() {
		var rec intsync.Record
		if err := rows.Scan(&rec.ID, &rec.Owner, &rec.State, &rec.Op, &rec.Attempts, &rec.RetryAt, &rec.LastError); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Claim performs the local -> pushing compare-and-set. The WHERE clause
// on sync_state makes concurrent claims for the same id impossible.
func (r *RecordStore) Claim(ctx context.Context, id string) (bool, error) {
	return r.cas(ctx, fmt.Sprintf(
		`UPDATE %s SET sync_state = ?, updated_at = ? WHERE id = ? AND sync_state = ?`, r.info.table),
		intsync.StatePushing, time.Now().UnixMilli(), id, intsync.StateLocal)
}

// MarkSynced performs pushing -> synced, recording the remote-assigned id.
// Returns false when the record is no longer pushing: a local edit or
// delete raced the confirmation and takes precedence.
func (r *RecordStore) MarkSynced(ctx context.Context, id, remoteID string) (bool, error) {
	ok, err := r.cas(ctx, fmt.Sprintf(`
		UPDATE %s SET sync_state = ?, remote_id = ?, attempts = 0, retry_at = 0, last_error = '', updated_at = ?%s
		WHERE id = ? AND sync_state = ?`, r.info.table, r.info.onSynced),
		intsync.StateSynced, remoteID, time.Now().UnixMilli(), id, intsync.StatePushing)
	if err == nil && ok {
		r.db.notify(r.kind, id)
	}
	return ok, err
}

// MarkFailed performs pushing -> failed, retaining the failure reason for
// the UI and the recreate trigger.
func (r *RecordStore) MarkFailed(ctx context.Context, id, reason string) error {
	ok, err := r.cas(ctx, fmt.Sprintf(
		`UPDATE %s SET sync_state = ?, last_error = ?, updated_at = ? WHERE id = ? AND sync_state = ?`, r.info.table),
		intsync.StateFailed, reason, time.Now().UnixMilli(), id, intsync.StatePushing)
	if err == nil && ok {
		r.db.notify(r.kind, id)
	}
	return err
}

// Release performs pushing -> local after a transient failure, bumping
// the attempt counter and deferring the next try until retryAt.
func (r *RecordStore) Release(ctx context.Context, id string, retryAt int64) error {
	_, err := r.cas(ctx, fmt.Sprintf(`
		UPDATE %s SET sync_state = ?, attempts = attempts + 1, retry_at = ?, updated_at = ?
		WHERE id = ? AND sync_state = ?`, r.info.table),
		intsync.StateLocal, retryAt, time.Now().UnixMilli(), id, intsync.StatePushing)
	return err
}

// Remove deletes the record once its remote delete is confirmed. The CAS
// on pushing means a record resurrected by a local write while the delete
// was in flight survives; the newer write pushes on its own.
func (r *RecordStore) Remove(ctx context.Context, id string) (bool, error) {
	ok, err := r.cas(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE id = ? AND sync_state = ?`, r.info.table),
		id, intsync.StatePushing)
	if err == nil && ok {
		r.db.notify(r.kind, id)
	}
	return ok, err
}

// RemoveSynced deletes the record only while it is still synced. Used by
// refresh to drop rows deleted elsewhere; a row that diverged locally
// since the synced listing was taken is left alone.
func (r *RecordStore) RemoveSynced(ctx context.Context, id string) error {
	ok, err := r.cas(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE id = ? AND sync_state = ?`, r.info.table),
		id, intsync.StateSynced)
	if err == nil && ok {
		r.db.notify(r.kind, id)
	}
	return err
}

// Recreate performs failed -> local with a fresh retry budget.
func (r *RecordStore) Recreate(ctx context.Context, id string) error {
	ok, err := r.cas(ctx, fmt.Sprintf(`
		UPDATE %s SET sync_state = ?, attempts = 0, retry_at = 0, last_error = '', updated_at = ?
		WHERE id = ? AND sync_state = ?`, r.info.table),
		intsync.StateLocal, time.Now().UnixMilli(), id, intsync.StateFailed)
	if err == nil && ok {
		r.db.notify(r.kind, id)
	}
	return err
}

func (r *RecordStore) cas(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// demote returns an entity to the pending pool with a new operation after
// an explicit local edit or delete. Valid from any state: a demotion
// racing an in-flight push simply causes that push's confirmation CAS to
// miss, so the newer local write wins.
func (db *DB) demote(ctx context.Context, kind, id string, op intsync.Op) error {
	info := syncTables[kind]
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET sync_state = ?, op = ?, attempts = 0, retry_at = 0, last_error = '', updated_at = ?
		WHERE id = ?`, info.table),
		intsync.StateLocal, op, time.Now().UnixMilli(), id)
	if err == nil {
		db.notify(kind, id)
	}
	return err
}

// SyncedIDs lists ids of rows in the synced state for one owner, used by
// refresh reconciliation to find entities deleted elsewhere.
func (db *DB) SyncedIDs(ctx context.Context, kind, owner string) ([]string, error) {
	info := syncTables[kind]
	rows, err := db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id FROM %s WHERE owner_id = ? AND sync_state = ?`, info.table),
		owner, intsync.StateSynced)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
