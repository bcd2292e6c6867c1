package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	intsync "github.com/mvellosa/courier/internal/sync"
)

const messageColumns = `id, conversation_id, sender_id, body, is_read, is_sent, sent_at,
	owner_id, sync_state, op, attempts, retry_at, last_error, remote_id, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.IsRead, &m.IsSent, &m.SentAt,
		&m.Sync.Owner, &m.Sync.State, &m.Sync.Op, &m.Sync.Attempts, &m.Sync.RetryAt,
		&m.Sync.LastError, &m.Sync.RemoteID, &m.Sync.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateMessage stores a locally authored message pending a remote create.
// Idempotent on id: repeating the call with the same client-generated id
// replaces the payload instead of duplicating the row.
func (db *DB) CreateMessage(ctx context.Context, m *Message) error {
	if m.ConversationID == "" {
		return errors.New("message requires a conversation id")
	}
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, body, is_read, is_sent, sent_at, owner_id, sync_state, op, updated_at)
		VALUES (?, ?, ?, ?, 1, 0, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body = excluded.body,
			updated_at = excluded.updated_at`,
		m.ID, m.ConversationID, m.SenderID, m.Body, m.SentAt, m.Sync.Owner,
		intsync.StateLocal, intsync.OpCreate, now)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	db.notify("message", m.ID)
	return nil
}

// GetMessage returns one message by id, or nil if absent.
func (db *DB) GetMessage(ctx context.Context, id string) (*Message, error) {
	m, err := scanMessage(db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// ListConversationMessages returns a window of messages ascending by
// timestamp. beforeTs bounds the window going backward in time (0 means
// "the latest"); pass the first returned timestamp to load older pages.
// Tombstones pending a remote delete are hidden.
func (db *DB) ListConversationMessages(ctx context.Context, conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND sent_at < ? AND op != ?
		ORDER BY sent_at DESC
		LIMIT ?`, conversationID, beforeTs, intsync.OpDelete, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Window is selected newest-first; presented oldest-first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// DeleteMessage deletes a message. A create still pending locally is
// removed outright with no remote call; anything else becomes a tombstone
// pending remote delete propagation.
func (db *DB) DeleteMessage(ctx context.Context, id string) error {
	return db.deleteEntity(ctx, "message", id)
}

// MarkConversationRead flips the local-only read flag on every message in
// a conversation. Never pushed.
func (db *DB) MarkConversationRead(ctx context.Context, conversationID string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE messages SET is_read = 1 WHERE conversation_id = ? AND is_read = 0`, conversationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		db.notify("message", conversationID)
	}
	return nil
}

// MergeRemoteMessage upserts a remotely confirmed message during refresh.
// Rows mid-lifecycle locally (pending edit or delete) are left untouched;
// the local write wins until its own push resolves.
func (db *DB) MergeRemoteMessage(ctx context.Context, m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, body, is_read, is_sent, sent_at, owner_id, sync_state, op, remote_id, updated_at)
		VALUES (?, ?, ?, ?, 0, 1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body = excluded.body,
			sent_at = excluded.sent_at,
			is_sent = 1,
			updated_at = excluded.updated_at
		WHERE messages.sync_state = ?`,
		m.ID, m.ConversationID, m.SenderID, m.Body, m.SentAt, m.Sync.Owner,
		intsync.StateSynced, intsync.OpCreate, m.Sync.RemoteID, now,
		intsync.StateSynced)
	if err != nil {
		return fmt.Errorf("merge remote message: %w", err)
	}
	db.notify("message", m.ID)
	return nil
}

// deleteEntity implements the shared local-delete policy for all kinds.
func (db *DB) deleteEntity(ctx context.Context, kind, id string) error {
	info := syncTables[kind]

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var state intsync.State
	var op intsync.Op
	err = tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT sync_state, op FROM %s WHERE id = ?`, info.table), id).Scan(&state, &op)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	if state == intsync.StateLocal && op == intsync.OpCreate {
		// Never reached the remote service: nothing to delete there.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, info.table), id); err != nil {
			return err
		}
	} else {
		// Tombstone: hidden from views immediately, removed once the
		// remote delete is confirmed (or reported not found).
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET sync_state = ?, op = ?, attempts = 0, retry_at = 0, last_error = '', updated_at = ?
			WHERE id = ?`, info.table),
			intsync.StateLocal, intsync.OpDelete, time.Now().UnixMilli(), id); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	db.notify(kind, id)
	return nil
}
