// Package registry persists what mxu knows across restarts: the instances
// the UI created and the history of download sessions.
// Uses pure-Go SQLite (modernc.org/sqlite), no cgo required.
package registry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at the given path.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	rdb := &DB{db: db}
	if err := rdb.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return rdb, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS instances (
		id              TEXT PRIMARY KEY,
		controller_type TEXT NOT NULL DEFAULT '',
		fingerprint     TEXT NOT NULL DEFAULT '',
		task_ids        TEXT NOT NULL DEFAULT '[]',
		created_at      TEXT NOT NULL DEFAULT (datetime('now')),
		updated_at      TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE TABLE IF NOT EXISTS downloads (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  INTEGER NOT NULL,
		url         TEXT NOT NULL,
		path        TEXT NOT NULL,
		bytes       INTEGER NOT NULL DEFAULT 0,
		status      TEXT NOT NULL,
		error       TEXT NOT NULL DEFAULT '',
		started_at  TEXT NOT NULL,
		finished_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS downloads_path ON downloads(path)`,
}

func (d *DB) migrate() error {
	for _, stmt := range schema {
		if _, err := d.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
