package logger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS request_logs (
	id            TEXT PRIMARY KEY,
	created_at    DATETIME NOT NULL,
	api_type      TEXT NOT NULL,
	path          TEXT NOT NULL DEFAULT '',
	provider      TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	status        INTEGER NOT NULL,
	latency_ms    INTEGER NOT NULL DEFAULT 0,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost          REAL NOT NULL DEFAULT 0,
	cached        INTEGER NOT NULL DEFAULT 0,
	client_agent  TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_request_logs_created ON request_logs(created_at);
CREATE INDEX IF NOT EXISTS idx_request_logs_provider ON request_logs(provider);
CREATE INDEX IF NOT EXISTS idx_request_logs_model ON request_logs(model);
`

const sqliteInsert = `
INSERT OR REPLACE INTO request_logs (
	id, created_at, api_type, path, provider, model, status,
	latency_ms, input_tokens, output_tokens, cost, cached,
	client_agent, error_message
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLiteSink persists request logs to a local SQLite database. Each batch is
// written in one transaction.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the database at path and ensures the
// schema exists.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite sink: open: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite sink: create schema: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

// Name implements Sink.
func (s *SQLiteSink) Name() string { return "sqlite" }

// WriteBatch implements Sink.
func (s *SQLiteSink) WriteBatch(ctx context.Context, batch []RequestLog) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite sink: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, sqliteInsert)
	if err != nil {
		return fmt.Errorf("sqlite sink: prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range batch {
		_, err := stmt.ExecContext(ctx,
			e.ID.String(),
			normalizeTime(e.CreatedAt),
			e.Surface,
			e.Path,
			e.Provider,
			e.Model,
			e.Status,
			e.LatencyMs,
			e.InputTokens,
			e.OutputTokens,
			e.Cost,
			e.Cached,
			e.ClientAgent,
			e.Error,
		)
		if err != nil {
			return fmt.Errorf("sqlite sink: insert %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite sink: commit: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
