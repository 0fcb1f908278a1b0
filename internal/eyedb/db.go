// Package eyedb persists security events and the observation stream in
// SQLite. Event open/close are synchronous; incremental updates and
// observations flow through a batching writer.
package eyedb

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const timeLayout = "2006-01-02 15:04:05"

type DB struct {
	*sql.DB
}

// NewDB opens (or creates) the SQLite database at path. Use ":memory:" for
// tests.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	// A single writer keeps SQLITE_BUSY out of the batch path.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	return &DB{db}, nil
}
