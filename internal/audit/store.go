// Package audit persists session lifecycle events to SQLite.
package audit

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// Event is one recorded lifecycle event.
type Event struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store appends lifecycle events to a SQLite database. Record never
// fails the caller: auditing is observability, not control flow.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the audit database at the given path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		event TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT (datetime('now'))
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record appends one event. Failures are logged and swallowed so a full
// disk or locked database never takes sessions down with it.
func (s *Store) Record(sessionID, event, detail string) {
	_, err := s.db.Exec(
		"INSERT INTO events (session_id, event, detail) VALUES (?, ?, ?)",
		sessionID, event, detail,
	)
	if err != nil {
		log.Printf("[audit] recording %s for %s: %v", event, sessionID, err)
	}
}

// List returns the events for a session in insertion order.
func (s *Store) List(sessionID string) ([]Event, error) {
	rows, err := s.db.Query(
		"SELECT id, session_id, event, detail, created_at FROM events WHERE session_id = ? ORDER BY id",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Event, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
