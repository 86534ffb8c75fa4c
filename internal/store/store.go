// Package store keeps the link journal: one row per session lifecycle event
// and one row per backend ever announced. DB is the SQLite (WAL mode)
// implementation, Memory the in-process one used when no path is configured.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/multierr"
)

// Event is one journaled session notification.
type Event struct {
	ID         int64     `json:"id"`
	Attempt    string    `json:"attempt,omitempty"`
	Kind       string    `json:"kind"`
	State      string    `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Descriptor string    `json:"descriptor"`
	At         time.Time `json:"at"`
}

// Backend is one entry of the backend directory.
type Backend struct {
	Host            string    `json:"host"`
	TCPPort         int       `json:"tcp_port"`
	ProtocolVersion int       `json:"protocol_version"`
	FTPPort         int       `json:"ftp_port"`
	PortCount       int       `json:"port_count"`
	LastSeen        time.Time `json:"last_seen"`
	Available       bool      `json:"available"`
}

// ErrNotFound is returned for lookups of unknown backends.
var ErrNotFound = errors.New("store: not found")

// DB wraps *sql.DB with journal helpers.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the SQLite file at path with WAL journal mode and
// applies the schema.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		return nil, multierr.Append(fmt.Errorf("store: ping: %w", err), raw.Close())
	}
	// Limit writer concurrency to 1; SQLite WAL allows concurrent readers.
	raw.SetMaxOpenConns(1)
	db := &DB{raw}
	if err := Migrate(db); err != nil {
		return nil, multierr.Append(err, raw.Close())
	}
	return db, nil
}

// Migrate applies the schema. It is idempotent (IF NOT EXISTS everywhere).
func Migrate(db *DB) error {
	for _, stmt := range []string{ddlLinkEvents, ddlBackends} {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Close checkpoints the WAL and closes the database.
func (db *DB) Close() error {
	_, err := db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return multierr.Append(err, db.DB.Close())
}

// ── Events ────────────────────────────────────────────────────────────────

// InsertEvent appends e and returns its row id.
func (db *DB) InsertEvent(e *Event) (int64, error) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	res, err := db.Exec(`
		INSERT INTO link_events (attempt, kind, state, reason, detail, descriptor, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Attempt, e.Kind, e.State, e.Reason, e.Detail, e.Descriptor, e.At.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert event: %w", err)
	}
	return res.LastInsertId()
}

// ListEvents returns the limit most recent events, newest first.
func (db *DB) ListEvents(limit int) ([]*Event, error) {
	rows, err := db.Query(`
		SELECT id, attempt, kind, state, reason, detail, descriptor, at
		FROM link_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var (
			e  Event
			at int64
		)
		if err := rows.Scan(&e.ID, &e.Attempt, &e.Kind, &e.State, &e.Reason, &e.Detail, &e.Descriptor, &at); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at).UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

// PruneEvents deletes events older than before and reports how many went.
func (db *DB) PruneEvents(before time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM link_events WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: prune events: %w", err)
	}
	return res.RowsAffected()
}

// ── Backends ──────────────────────────────────────────────────────────────

// UpsertBackend creates or refreshes a backend row keyed by host and port.
func (db *DB) UpsertBackend(b *Backend) error {
	_, err := db.Exec(`
		INSERT INTO backends (host, tcp_port, protocol_version, ftp_port, port_count, last_seen, available)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(host, tcp_port) DO UPDATE
		  SET protocol_version = excluded.protocol_version,
		      ftp_port         = excluded.ftp_port,
		      port_count       = excluded.port_count,
		      last_seen        = excluded.last_seen,
		      available        = excluded.available`,
		b.Host, b.TCPPort, b.ProtocolVersion, b.FTPPort, b.PortCount, b.LastSeen.Unix(), b.Available,
	)
	if err != nil {
		return fmt.Errorf("store: upsert backend %s:%d: %w", b.Host, b.TCPPort, err)
	}
	return nil
}

// SetBackendAvailable flips the availability flag of a known backend.
func (db *DB) SetBackendAvailable(host string, port int, available bool) error {
	res, err := db.Exec(`UPDATE backends SET available = ? WHERE host = ? AND tcp_port = ?`,
		available, host, port)
	if err != nil {
		return fmt.Errorf("store: backend availability: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBackends returns every known backend, most recently seen first.
func (db *DB) ListBackends() ([]*Backend, error) {
	rows, err := db.Query(`
		SELECT host, tcp_port, protocol_version, ftp_port, port_count, last_seen, available
		FROM backends ORDER BY last_seen DESC, host, tcp_port`)
	if err != nil {
		return nil, fmt.Errorf("store: list backends: %w", err)
	}
	defer rows.Close()

	var out []*Backend
	for rows.Next() {
		var (
			b        Backend
			lastSeen int64
		)
		if err := rows.Scan(&b.Host, &b.TCPPort, &b.ProtocolVersion, &b.FTPPort, &b.PortCount, &lastSeen, &b.Available); err != nil {
			return nil, err
		}
		b.LastSeen = time.Unix(lastSeen, 0).UTC()
		out = append(out, &b)
	}
	return out, rows.Err()
}

// ── DDL statements ────────────────────────────────────────────────────────

const ddlLinkEvents = `
CREATE TABLE IF NOT EXISTS link_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    attempt     TEXT    NOT NULL DEFAULT '',  -- connection attempt uuid
    kind        TEXT    NOT NULL,
    state       TEXT    NOT NULL,
    reason      TEXT    NOT NULL DEFAULT '',
    detail      TEXT    NOT NULL DEFAULT '',
    descriptor  TEXT    NOT NULL DEFAULT '',  -- host:port:device
    at          INTEGER NOT NULL              -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_link_events_at ON link_events (at);
`

const ddlBackends = `
CREATE TABLE IF NOT EXISTS backends (
    host             TEXT    NOT NULL,
    tcp_port         INTEGER NOT NULL,
    protocol_version INTEGER NOT NULL DEFAULT 0,
    ftp_port         INTEGER NOT NULL DEFAULT 0,
    port_count       INTEGER NOT NULL DEFAULT 0,
    last_seen        INTEGER NOT NULL,          -- Unix seconds
    available        INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (host, tcp_port)
);
`
