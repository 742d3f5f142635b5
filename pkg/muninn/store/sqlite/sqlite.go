// Package sqlite backs the TwinRaven persistence contracts with a single
// SQLite database: the append-only event log, the candidate chain table,
// and the tool registry record tables.
//
// The driver is modernc.org/sqlite (pure Go). The database runs in WAL
// mode with a bounded connection pool and periodic connection recycling.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Option configures the store.
type Option func(*Store)

// WithLogger sets the structured logger (default: no-op).
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxConns bounds the connection pool (default 8).
func WithMaxConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxConns = n
		}
	}
}

// Store implements muninn.EventStore, mining.CandidateStore, and
// registry.Store over one SQLite database.
type Store struct {
	db       *sql.DB
	path     string
	logger   *zap.Logger
	maxConns int
}

// Open creates or opens the database at path and ensures the schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:     path,
		logger:   zap.NewNop(),
		maxConns: 8,
	}
	for _, opt := range opts {
		opt(s)
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?%s", url.PathEscape(path),
		"_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(s.maxConns)
	db.SetMaxIdleConns(s.maxConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	s.db = db

	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	s.logger.Debug("sqlite store opened", zap.String("path", path))
	return s, nil
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Health verifies reachability with a cheap bounded query.
func (s *Store) Health(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		event_id       TEXT PRIMARY KEY,
		session_id     TEXT NOT NULL CHECK (length(session_id) <= 256),
		tool_id        TEXT NOT NULL CHECK (length(tool_id) <= 256),
		input_hash     TEXT NOT NULL CHECK (length(input_hash) = 16),
		input_params   TEXT NOT NULL,
		output_summary TEXT,
		predecessor    TEXT,
		successor      TEXT,
		timestamp_us   INTEGER NOT NULL,
		latency_ms     INTEGER NOT NULL CHECK (latency_ms >= 0),
		outcome        TEXT NOT NULL CHECK (outcome IN ('success','failure','partial')),
		tags           TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
	CREATE INDEX IF NOT EXISTS idx_events_tool ON events(tool_id);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp_us);
	CREATE INDEX IF NOT EXISTS idx_events_predecessor ON events(predecessor);
	CREATE INDEX IF NOT EXISTS idx_events_successor ON events(successor);
	CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events(session_id, timestamp_us);
	CREATE INDEX IF NOT EXISTS idx_events_tool_ts ON events(tool_id, timestamp_us);

	CREATE TABLE IF NOT EXISTS candidate_chains (
		chain_id       TEXT PRIMARY KEY,
		tools          TEXT NOT NULL,
		support        REAL NOT NULL CHECK (support >= 0 AND support <= 1),
		confidence     REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
		avg_latency_ms REAL NOT NULL,
		failure_rate   REAL NOT NULL CHECK (failure_rate >= 0 AND failure_rate <= 1),
		sample_events  TEXT NOT NULL DEFAULT '[]',
		discovered_at  INTEGER NOT NULL,
		mining_config  TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_candidates_support ON candidate_chains(support);

	CREATE TABLE IF NOT EXISTS tool_records (
		slug              TEXT PRIMARY KEY,
		current_version   INTEGER NOT NULL,
		definition_path   TEXT NOT NULL,
		registered_at     INTEGER NOT NULL,
		last_used_at      INTEGER,
		invocation_count  INTEGER NOT NULL DEFAULT 0,
		status            TEXT NOT NULL,
		retirement_reason TEXT
	);

	CREATE TABLE IF NOT EXISTS tool_versions (
		slug              TEXT NOT NULL,
		version           INTEGER NOT NULL,
		validation_passed INTEGER NOT NULL,
		equivalence_score REAL NOT NULL,
		created_at        INTEGER NOT NULL,
		superseded_at     INTEGER,
		PRIMARY KEY (slug, version)
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Timestamps are stored as integer microseconds since the Unix epoch and
// always surface as UTC.
func toMicros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(us int64) time.Time { return time.UnixMicro(us).UTC() }
