package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mvellosa/courier/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection holding every syncable entity kind.
// Committed writes publish "store.<kind>.changed" events on the bus so
// the view projector and the outbox dispatcher can react without polling
// each other.
type DB struct {
	*sql.DB
	bus *bus.Bus
}

// Open creates a SQLite connection with WAL mode and recommended pragmas.
// The bus may be nil (no change notifications).
func Open(path string, b *bus.Bus) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, bus: b}, nil
}

// notify publishes a change event for one entity after a committed write.
func (db *DB) notify(kind, id string) {
	if db.bus == nil {
		return
	}
	db.bus.Publish(bus.Event{
		Kind:      "store." + kind + ".changed",
		Timestamp: time.Now(),
		Payload:   id,
	})
}
