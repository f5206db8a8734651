// Package database persists analysis reports in SQLite so they can be
// queried after a batch run or served by the HTTP API.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// Config holds SQLite connection configuration
type Config struct {
	Path         string
	BusyTimeout  time.Duration
	QueryTimeout time.Duration
}

// SQLiteDatabase represents an open report database
type SQLiteDatabase struct {
	db     *sql.DB
	config Config
	logger *logrus.Logger
}

// NewSQLiteDatabase opens (creating if needed) the database at cfg.Path,
// applies the connection pragmas and runs migrations.
func NewSQLiteDatabase(cfg Config, logger *logrus.Logger) (*SQLiteDatabase, error) {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}

	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := openDB("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps writers serialized; WAL lets readers proceed.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()),
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}

	database := &SQLiteDatabase{
		db:     db,
		config: cfg,
		logger: logger,
	}
	if err := database.Migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logger.WithField("path", cfg.Path).Info("Opened report database")
	return database, nil
}

// Close closes the database connection
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Health checks database health
func (s *SQLiteDatabase) Health(ctx context.Context) error {
	ctx, cancel := s.getContext(ctx)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Migrate runs database migrations
func (s *SQLiteDatabase) Migrate() error {
	migrations := []string{
		createCallReportsTable,
		createCallReportsIndexes,
		createPendingMessagesTable,
	}

	for i, migration := range migrations {
		s.logger.WithField("migration", i+1).Debug("Running migration")

		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	s.logger.Debug("Database migrations completed")
	return nil
}

// getContext bounds a query by the configured timeout
func (s *SQLiteDatabase) getContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, s.config.QueryTimeout)
}

const createCallReportsTable = `
CREATE TABLE IF NOT EXISTS call_reports (
    id                 TEXT PRIMARY KEY,
    call_id            TEXT    NOT NULL,
    mode               TEXT    NOT NULL,
    correlation_id     TEXT,
    violation          INTEGER NOT NULL DEFAULT 0,
    reason             TEXT,
    overtalk_pct       REAL    NOT NULL DEFAULT 0,
    silence_pct        REAL    NOT NULL DEFAULT 0,
    agent_profanity    INTEGER NOT NULL DEFAULT 0,
    borrower_profanity INTEGER NOT NULL DEFAULT 0,
    analyzed_at        TEXT    NOT NULL,
    report_json        TEXT    NOT NULL,
    created_at         TEXT    NOT NULL,
    updated_at         TEXT    NOT NULL,
    UNIQUE (call_id, mode)
);
`

const createCallReportsIndexes = `
CREATE INDEX IF NOT EXISTS idx_call_reports_call_id ON call_reports(call_id);
CREATE INDEX IF NOT EXISTS idx_call_reports_violation ON call_reports(violation);
CREATE INDEX IF NOT EXISTS idx_call_reports_analyzed_at ON call_reports(analyzed_at);
`

const createPendingMessagesTable = `
CREATE TABLE IF NOT EXISTS pending_messages (
    id            TEXT PRIMARY KEY,
    call_id       TEXT    NOT NULL,
    body          BLOB    NOT NULL,
    created_at    TEXT    NOT NULL,
    last_attempt  TEXT    NOT NULL,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    next_retry_at TEXT    NOT NULL,
    last_error    TEXT
);
CREATE INDEX IF NOT EXISTS idx_pending_messages_next_retry ON pending_messages(next_retry_at);
`
