// Package sqlitesink journals kernel events to a local SQLite database. The
// journal is append-only and intended for post-hoc inspection of session and
// breaker history on a single node.
package sqlitesink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mcpkit/sessioncore/events"
)

// Sink writes each event as one row in the events table.
type Sink struct {
	db *sql.DB
}

// New opens (creating if needed) the journal database at dbPath.
func New(dbPath string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	// WAL keeps writers from blocking introspection reads.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}

	s := &Sink{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize journal schema: %w", err)
	}
	return s, nil
}

func (s *Sink) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		session_id TEXT,
		name TEXT,
		at INTEGER NOT NULL,
		fields_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id) WHERE session_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_events_at ON events(at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *Sink) Emit(ctx context.Context, ev events.Event) error {
	var fieldsJSON []byte
	if len(ev.Fields) > 0 {
		var err error
		fieldsJSON, err = json.Marshal(ev.Fields)
		if err != nil {
			return fmt.Errorf("marshal event fields: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (kind, session_id, name, at, fields_json) VALUES (?, ?, ?, ?, ?)`,
		string(ev.Kind), nullable(ev.SessionID), nullable(ev.Name), ev.At.UnixMilli(), nullableBytes(fieldsJSON),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Sink) Close() error { return s.db.Close() }

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableBytes(v []byte) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

var _ events.Sink = (*Sink)(nil)
