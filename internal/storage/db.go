package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound          = errors.New("message not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// DB wraps the peer's SQLite database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates data.db in the given directory.
func Open(dir string) (*DB, error) {
	dbPath := filepath.Join(dir, "data.db")

	// Ensure directory exists
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL lets the live send path and the drain path read while one writes.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _messages (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			sender    TEXT NOT NULL,
			recipient TEXT NOT NULL,
			content   TEXT NOT NULL,
			ts        INTEGER NOT NULL,
			status    TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_status ON _messages(status, recipient, ts);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON _messages(sender, recipient, ts);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _contacts (
			peer_id     TEXT PRIMARY KEY,
			safety_code TEXT DEFAULT '',
			sessions    INTEGER DEFAULT 0,
			last_seen   DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create contacts table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}
