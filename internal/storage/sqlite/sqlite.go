// Package sqlite is the single-node run store. It implements the same
// operations as the Postgres store on an embedded database, which is also
// what the pipeline and server tests run against.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	id                  TEXT PRIMARY KEY,
	ticket_id           TEXT NOT NULL,
	parent_run_id       TEXT,
	ticket_version      TEXT NOT NULL DEFAULT '',
	state               TEXT NOT NULL,
	requester_email     TEXT NOT NULL DEFAULT '',
	ticket              TEXT NOT NULL,
	classification      TEXT,
	context             TEXT,
	draft               TEXT,
	review              TEXT,
	decision            TEXT,
	sent_body           TEXT,
	reason              TEXT,
	last_state          TEXT,
	message             TEXT,
	cancel_requested_at TEXT,
	review_claimed_by   TEXT,
	review_claimed_at   TEXT,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL,
	completed_at        TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_ticket ON pipeline_runs (ticket_id, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_state ON pipeline_runs (state, updated_at);
CREATE INDEX IF NOT EXISTS idx_runs_requester ON pipeline_runs (requester_email, created_at);

CREATE TABLE IF NOT EXISTS run_events (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	ticket_id   TEXT NOT NULL,
	from_state  TEXT NOT NULL DEFAULT '',
	to_state    TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	detail      TEXT,
	occurred_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events (run_id, occurred_at);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	invocation_id TEXT PRIMARY KEY,
	ticket_id     TEXT NOT NULL,
	run_id        TEXT,
	status        TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS reviewers (
	id           TEXT PRIMARY KEY,
	reviewer_id  TEXT NOT NULL UNIQUE,
	name         TEXT NOT NULL,
	role         TEXT NOT NULL,
	api_key_hash TEXT,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ticket_index (
	id         TEXT PRIMARY KEY,
	ticket_id  TEXT NOT NULL UNIQUE,
	intent     TEXT NOT NULL,
	excerpt    TEXT NOT NULL,
	embedding  TEXT,
	indexed_at TEXT NOT NULL
);
`

// tsLayout is fixed-width so timestamps compare correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Store is a SQLite-backed store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// One connection serializes writers and keeps an in-memory database
	// alive for the life of the store.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close(context.Context) {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("sqlite: close", "error", err)
	}
}

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(v string) (time.Time, error) {
	t, err := time.Parse(tsLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse timestamp %q: %w", v, err)
	}
	return t, nil
}

func nullTS(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: ts(*t), Valid: true}
}

func parseNullTS(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTS(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullBytes(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func bytesOf(v sql.NullString) []byte {
	if !v.Valid {
		return nil
	}
	return []byte(v.String)
}

func nullStr(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
