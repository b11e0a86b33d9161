package events

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"workbox"
)

// Journal is a local SQLite log of lifecycle events, for `workbox events`
// and post-mortem diagnosis. Append failures are logged, never propagated.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens (creating if needed) the journal database.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		type TEXT NOT NULL,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		container_id TEXT NOT NULL DEFAULT '',
		service_id TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create events table: %w", err)
	}

	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *Journal) Emit(ev workbox.Event) {
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := j.db.Exec(
		`INSERT INTO events (ts, type, user_id, session_id, container_id, service_id, outcome, detail, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.UTC().Format(time.RFC3339Nano), string(ev.Type), ev.UserID, ev.SessionID,
		ev.ContainerID, ev.ServiceID, ev.Outcome, ev.Detail, ev.Duration.Milliseconds(),
	)
	if err != nil {
		slog.Warn("event journal append failed", "type", ev.Type, "err", err)
	}
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]workbox.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT ts, type, user_id, session_id, container_id, service_id, outcome, detail, duration_ms
		 FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []workbox.Event
	for rows.Next() {
		var ev workbox.Event
		var ts string
		var durMS int64
		var typ string
		if err := rows.Scan(&ts, &typ, &ev.UserID, &ev.SessionID, &ev.ContainerID, &ev.ServiceID, &ev.Outcome, &ev.Detail, &durMS); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = workbox.EventType(typ)
		ev.Duration = time.Duration(durMS) * time.Millisecond
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ev.Time = t
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
