// Package store manages the SQLite journal (WAL mode) of link traffic and
// link state transitions.
package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DB wraps *sql.DB with journal helpers. Every row it writes is tagged
// with the session id chosen when it was opened.
type DB struct {
	*sql.DB
	session string
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		raw.Close() //nolint:errcheck
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// Limit writer concurrency to 1; SQLite WAL allows concurrent readers.
	raw.SetMaxOpenConns(1)
	return &DB{DB: raw, session: uuid.NewString()}, nil
}

// Session identifies this process run in the journal.
func (db *DB) Session() string { return db.session }

// Migrate applies the DDL schema. It is idempotent.
func (db *DB) Migrate() error {
	for _, stmt := range []string{ddlMessages, ddlLinkEvents} {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// ── DDL statements ────────────────────────────────────────────────────────

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    session   TEXT    NOT NULL,
    link      TEXT    NOT NULL,          -- ble | sync | left | right
    direction TEXT    NOT NULL,          -- in | out
    peer      TEXT    NOT NULL DEFAULT '',
    type      TEXT    NOT NULL,          -- discriminator value
    payload   TEXT    NOT NULL,          -- wire JSON
    at_ms     INTEGER NOT NULL           -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_messages_at ON messages (at_ms DESC);
`

const ddlLinkEvents = `
CREATE TABLE IF NOT EXISTS link_events (
    id      INTEGER PRIMARY KEY AUTOINCREMENT,
    session TEXT    NOT NULL,
    link    TEXT    NOT NULL,
    peer    TEXT    NOT NULL DEFAULT '',
    state   TEXT    NOT NULL,
    at_ms   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_link_events_at ON link_events (at_ms DESC);
`
