package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	intsync "github.com/mvellosa/courier/internal/sync"
)

const conversationColumns = `id, participants, display_name, interlocutor_id, is_active, created_at,
	owner_id, sync_state, op, attempts, retry_at, last_error, remote_id, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	var c Conversation
	var participants string
	err := row.Scan(&c.ID, &participants, &c.DisplayName, &c.InterlocutorID, &c.IsActive, &c.CreatedAt,
		&c.Sync.Owner, &c.Sync.State, &c.Sync.Op, &c.Sync.Attempts, &c.Sync.RetryAt,
		&c.Sync.LastError, &c.Sync.RemoteID, &c.Sync.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	return &c, nil
}

// CreateConversation stores a locally created conversation pending a
// remote create. Participants are fixed here for the life of the row.
// Idempotent on id.
func (db *DB) CreateConversation(ctx context.Context, c *Conversation) error {
	if len(c.Participants) < 2 {
		return errors.New("conversation requires at least two participants")
	}
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = db.ExecContext(ctx, `
		INSERT INTO conversations (id, participants, display_name, interlocutor_id, is_active, created_at, owner_id, sync_state, op, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			updated_at = excluded.updated_at`,
		c.ID, string(participants), c.DisplayName, c.InterlocutorID, c.CreatedAt, c.Sync.Owner,
		intsync.StateLocal, intsync.OpCreate, now)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	db.notify("conversation", c.ID)
	return nil
}

// GetConversation returns one conversation by id, or nil if absent.
func (db *DB) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	c, err := scanConversation(db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// ListConversations returns the merged conversations view for one user:
// active conversations only, interlocutor names joined from contacts with
// a fallback chain, ordered by most recent message activity. Tombstones
// pending delete are hidden.
func (db *DB) ListConversations(ctx context.Context, owner string) ([]ConversationView, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.id, c.participants, c.display_name, c.interlocutor_id, c.is_active, c.created_at,
			c.owner_id, c.sync_state, c.op, c.attempts, c.retry_at, c.last_error, c.remote_id, c.updated_at,
			COALESCE(NULLIF(ct.name, ''), NULLIF(c.display_name, ''), c.interlocutor_id) AS interlocutor_name,
			COALESCE(MAX(m.sent_at), c.created_at) AS last_message_at,
			COALESCE((SELECT body FROM messages WHERE conversation_id = c.id AND op != ? ORDER BY sent_at DESC LIMIT 1), '') AS last_preview,
			COALESCE(SUM(CASE WHEN m.is_read = 0 THEN 1 ELSE 0 END), 0) AS unread_count
		FROM conversations c
		LEFT JOIN contacts ct ON ct.id = c.interlocutor_id
		LEFT JOIN messages m ON m.conversation_id = c.id AND m.op != ?
		WHERE c.owner_id = ? AND c.is_active = 1 AND c.op != ?
		GROUP BY c.id
		ORDER BY last_message_at DESC`,
		intsync.OpDelete, intsync.OpDelete, owner, intsync.OpDelete)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var views []ConversationView
	for rows.Next() {
		var v ConversationView
		var participants string
		err := rows.Scan(&v.ID, &participants, &v.DisplayName, &v.InterlocutorID, &v.IsActive, &v.CreatedAt,
			&v.Sync.Owner, &v.Sync.State, &v.Sync.Op, &v.Sync.Attempts, &v.Sync.RetryAt,
			&v.Sync.LastError, &v.Sync.RemoteID, &v.Sync.UpdatedAt,
			&v.InterlocutorName, &v.LastMessageAt, &v.LastPreview, &v.UnreadCount)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(participants), &v.Participants); err != nil {
			return nil, fmt.Errorf("decode participants: %w", err)
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

// SetConversationName updates the display name and returns the row to the
// pending pool. Rapid successive edits coalesce into the single row, so
// exactly one push carries the latest value.
func (db *DB) SetConversationName(ctx context.Context, id, name string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE conversations SET display_name = ? WHERE id = ?`, name, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	return db.demote(ctx, "conversation", id, intsync.OpUpdate)
}

// DeactivateConversation soft-deletes a conversation: hidden from views,
// retained for history, and the flag change propagates as an update.
func (db *DB) DeactivateConversation(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE conversations SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	return db.demote(ctx, "conversation", id, intsync.OpUpdate)
}

// DeleteConversation deletes a conversation outright (pending create) or
// tombstones it for remote delete propagation.
func (db *DB) DeleteConversation(ctx context.Context, id string) error {
	return db.deleteEntity(ctx, "conversation", id)
}

// MergeRemoteConversation upserts a remotely confirmed conversation during
// refresh, leaving locally diverged rows untouched.
func (db *DB) MergeRemoteConversation(ctx context.Context, c *Conversation) error {
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = db.ExecContext(ctx, `
		INSERT INTO conversations (id, participants, display_name, interlocutor_id, is_active, created_at, owner_id, sync_state, op, remote_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
		WHERE conversations.sync_state = ?`,
		c.ID, string(participants), c.DisplayName, c.InterlocutorID, c.IsActive, c.CreatedAt, c.Sync.Owner,
		intsync.StateSynced, intsync.OpCreate, c.Sync.RemoteID, now,
		intsync.StateSynced)
	if err != nil {
		return fmt.Errorf("merge remote conversation: %w", err)
	}
	db.notify("conversation", c.ID)
	return nil
}
