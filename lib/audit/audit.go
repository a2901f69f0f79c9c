// Package audit appends stream lifecycle events to a local, append-only
// SQLite table for post-hoc inspection. The core Registry remains fully
// in-memory and reconstructable from the runtime's running containers; this
// store is never consulted for a lifecycle decision, only read back by the
// debug-only GET /audit endpoint.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS stream_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	container_id TEXT NOT NULL,
	key_or_reason TEXT,
	recorded_at TEXT NOT NULL
);
`

// Store is the append-only audit log.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite file at path and ensures the
// schema exists. A pure-Go driver (glebarez/go-sqlite) is used so the
// binary stays CGO-free.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite single-writer; avoid lock contention
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Event is one row read back by GET /audit.
type Event struct {
	ID          int64     `json:"id"`
	EventType   string    `json:"event_type"`
	StreamID    string    `json:"stream_id"`
	ContainerID string    `json:"container_id"`
	Detail      string    `json:"detail"`
	RecordedAt  time.Time `json:"recorded_at"`
}

func (s *Store) insert(ctx context.Context, eventType, streamID, containerID, detail string) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stream_events (event_type, stream_id, container_id, key_or_reason, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		eventType, streamID, containerID, detail, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		slog.Warn("audit: insert failed", "event_type", eventType, "stream_id", streamID, "error", err)
	}
}

// RecordStreamStarted appends a stream_started row. Called fire-and-forget
// from the same call path as the event bus emission.
func (s *Store) RecordStreamStarted(ctx context.Context, streamID, containerID, key string) {
	s.insert(ctx, "stream_started", streamID, containerID, key)
}

// RecordStreamEnded appends a stream_ended row.
func (s *Store) RecordStreamEnded(ctx context.Context, streamID, containerID, reason string) {
	s.insert(ctx, "stream_ended", streamID, containerID, reason)
}

// Recent returns the most recent n events, newest first, for the debug
// GET /audit endpoint.
func (s *Store) Recent(ctx context.Context, n int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_type, stream_id, container_id, key_or_reason, recorded_at FROM stream_events ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var recordedAt string
		if err := rows.Scan(&e.ID, &e.EventType, &e.StreamID, &e.ContainerID, &e.Detail, &recordedAt); err != nil {
			return nil, fmt.Errorf("audit: scan row: %w", err)
		}
		e.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
