// Package store persists the bridge configuration and the forwarded-message
// counter in SQLite (WAL mode) and keeps the transient activity log.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pkg/errors"
)

// DB wraps *sql.DB with the bridge schema.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
// ":memory:" opens a private in-memory database.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "store: open %s", path)
	}
	// One connection: writes are serialised and an in-memory database is
	// shared by every query.
	raw.SetMaxOpenConns(1)
	if err := raw.Ping(); err != nil {
		raw.Close()
		return nil, errors.Wrap(err, "store: ping")
	}
	return &DB{raw}, nil
}

// Migrate applies the schema. It is idempotent.
func Migrate(db *DB) error {
	for _, stmt := range []string{ddlSettings, ddlCounters} {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "store: migrate")
		}
	}
	return nil
}

const ddlSettings = `
CREATE TABLE IF NOT EXISTS settings (
    key        TEXT    PRIMARY KEY,
    value      TEXT    NOT NULL,
    updated_at INTEGER NOT NULL  -- Unix seconds
);
`

const ddlCounters = `
CREATE TABLE IF NOT EXISTS counters (
    name       TEXT    PRIMARY KEY,
    value      INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
);
`
