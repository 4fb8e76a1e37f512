// Package storage is the SQLite file shared by every surface of one data
// directory: a key/value meta table used as the cross-surface scope and a
// local call log.
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

// DB wraps the SQLite database of one data directory.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates callsync.db in dataDir.
func Open(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "callsync.db")

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL lets several surface processes read while one writes.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_log (
			call_id         TEXT PRIMARY KEY,
			room_id         TEXT NOT NULL DEFAULT '',
			kind            TEXT NOT NULL,
			scope           TEXT NOT NULL,
			direction       TEXT NOT NULL,
			counterparty_id TEXT NOT NULL,
			status          TEXT NOT NULL,
			started_at      TEXT NOT NULL,
			connected_at    TEXT,
			ended_at        TEXT NOT NULL,
			duration_sec    INTEGER NOT NULL DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call log table: %w", err)
	}
	db.Exec(`CREATE INDEX IF NOT EXISTS call_log_ended ON call_log(ended_at)`)

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

// GetMeta returns the value stored under key and whether it exists.
func (d *DB) GetMeta(key string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var v sql.NullString
	err := d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v.String, true, nil
}

// SetMeta stores or replaces key.
func (d *DB) SetMeta(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// DeleteMeta removes key. Missing keys are not an error.
func (d *DB) DeleteMeta(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM _meta WHERE key = ?`, key)
	return err
}
