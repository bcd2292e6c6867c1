package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ReplaceContacts upserts the contact directory in a single transaction.
// Called from refresh with the remote-authoritative listing.
func (db *DB) ReplaceContacts(ctx context.Context, contacts []Contact) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, c := range contacts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO contacts (id, name, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
				updated_at = excluded.updated_at`,
			c.ID, c.Name, now); err != nil {
			return fmt.Errorf("upsert contact %q: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	db.notify("conversation", "")
	return nil
}

// GetContact returns a contact by id, or nil if absent.
func (db *DB) GetContact(ctx context.Context, id string) (*Contact, error) {
	var c Contact
	err := db.QueryRowContext(ctx, `SELECT id, name FROM contacts WHERE id = ?`, id).
		Scan(&c.ID, &c.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
