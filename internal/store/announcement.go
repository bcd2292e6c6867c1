package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	intsync "github.com/mvellosa/courier/internal/sync"
)

const announcementColumns = `id, author_id, title, body, posted_at,
	owner_id, sync_state, op, attempts, retry_at, last_error, remote_id, updated_at`

func scanAnnouncement(row interface{ Scan(...any) error }) (*Announcement, error) {
	var a Announcement
	err := row.Scan(&a.ID, &a.AuthorID, &a.Title, &a.Body, &a.PostedAt,
		&a.Sync.Owner, &a.Sync.State, &a.Sync.Op, &a.Sync.Attempts, &a.Sync.RetryAt,
		&a.Sync.LastError, &a.Sync.RemoteID, &a.Sync.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAnnouncement stores a locally authored announcement pending a
// remote create. Title is optional, body is not. Idempotent on id.
func (db *DB) CreateAnnouncement(ctx context.Context, a *Announcement) error {
	if a.Body == "" {
		return errors.New("announcement requires a body")
	}
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO announcements (id, author_id, title, body, posted_at, owner_id, sync_state, op, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			updated_at = excluded.updated_at`,
		a.ID, a.AuthorID, a.Title, a.Body, a.PostedAt, a.Sync.Owner,
		intsync.StateLocal, intsync.OpCreate, now)
	if err != nil {
		return fmt.Errorf("create announcement: %w", err)
	}
	db.notify("announcement", a.ID)
	return nil
}

// GetAnnouncement returns one announcement by id, or nil if absent.
func (db *DB) GetAnnouncement(ctx context.Context, id string) (*Announcement, error) {
	a, err := scanAnnouncement(db.QueryRowContext(ctx,
		`SELECT `+announcementColumns+` FROM announcements WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// ListAnnouncements returns the feed newest-first. Locally created entries
// appear immediately; tombstones pending delete are hidden.
func (db *DB) ListAnnouncements(ctx context.Context, owner string) ([]Announcement, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+announcementColumns+` FROM announcements
		WHERE owner_id = ? AND op != ?
		ORDER BY posted_at DESC`, owner, intsync.OpDelete)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var list []Announcement
	for rows.Next() {
		a, err := scanAnnouncement(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *a)
	}
	return list, rows.Err()
}

// UpdateAnnouncement edits title and body, returning the row to the
// pending pool as an update push.
func (db *DB) UpdateAnnouncement(ctx context.Context, id, title, body string) error {
	if body == "" {
		return errors.New("announcement requires a body")
	}
	res, err := db.ExecContext(ctx,
		`UPDATE announcements SET title = ?, body = ? WHERE id = ?`, title, body, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	return db.demote(ctx, "announcement", id, intsync.OpUpdate)
}

// DeleteAnnouncement deletes an announcement outright (pending create) or
// tombstones it for remote delete propagation.
func (db *DB) DeleteAnnouncement(ctx context.Context, id string) error {
	return db.deleteEntity(ctx, "announcement", id)
}

// MergeRemoteAnnouncement upserts a remotely confirmed announcement during
// refresh, leaving locally diverged rows untouched.
func (db *DB) MergeRemoteAnnouncement(ctx context.Context, a *Announcement) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO announcements (id, author_id, title, body, posted_at, owner_id, sync_state, op, remote_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			posted_at = excluded.posted_at,
			updated_at = excluded.updated_at
		WHERE announcements.sync_state = ?`,
		a.ID, a.AuthorID, a.Title, a.Body, a.PostedAt, a.Sync.Owner,
		intsync.StateSynced, intsync.OpCreate, a.Sync.RemoteID, now,
		intsync.StateSynced)
	if err != nil {
		return fmt.Errorf("merge remote announcement: %w", err)
	}
	db.notify("announcement", a.ID)
	return nil
}
