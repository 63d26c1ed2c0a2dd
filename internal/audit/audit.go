// Package audit is the completed-request sink: a pure-Go, CGO-free SQLite
// table of finished completions for ad hoc querying and debugging. Writes
// are best-effort — a logging failure never aborts or delays a request.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no CGO required
)

// Record is one completed (or interrupted/failed) request, logged after
// the generation loop returns.
type Record struct {
	RequestID       string
	Model           string
	Prompt          string
	Response        string
	PromptTokens    int
	GeneratedTokens int
	Duration        time.Duration
	State           string
	Error           string
}

// Sink wraps a SQLite connection holding the completion log.
type Sink struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the audit database at path, in WAL mode with a
// single-writer connection pool (SQLite is single-writer regardless of
// Go's connection pooling).
func Open(path string, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit: create data dir: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping sqlite: %w", err)
	}

	s := &Sink{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return s, nil
}

func (s *Sink) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS completions (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id       TEXT NOT NULL,
			model            TEXT NOT NULL,
			prompt           TEXT NOT NULL,
			response         TEXT NOT NULL,
			prompt_tokens    INTEGER NOT NULL,
			generated_tokens INTEGER NOT NULL,
			duration_ms      INTEGER NOT NULL,
			state            TEXT NOT NULL,
			error            TEXT NOT NULL DEFAULT '',
			recorded_at      INTEGER NOT NULL
		)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_completions_model ON completions(model)`)
	return err
}

// Log writes one completed request. Failures are logged and swallowed —
// the audit sink must never be the reason a request fails (§7's error
// taxonomy has no row for it, by design).
func (s *Sink) Log(ctx context.Context, r Record) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO completions
			(request_id, model, prompt, response, prompt_tokens, generated_tokens, duration_ms, state, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RequestID, r.Model, r.Prompt, r.Response, r.PromptTokens, r.GeneratedTokens,
		r.Duration.Milliseconds(), r.State, r.Error, time.Now().Unix(),
	)
	if err != nil {
		s.logger.Warn("audit log write failed", "request_id", r.RequestID, "error", err)
	}
}

// Recent returns the most recent n completions for a model, newest first
// — a debugging/introspection query, not part of the request path.
func (s *Sink) Recent(ctx context.Context, model string, n int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, model, prompt, response, prompt_tokens, generated_tokens, duration_ms, state, error
		FROM completions WHERE model = ? ORDER BY id DESC LIMIT ?`, model, n)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var durationMs int64
		if err := rows.Scan(&r.RequestID, &r.Model, &r.Prompt, &r.Response,
			&r.PromptTokens, &r.GeneratedTokens, &durationMs, &r.State, &r.Error); err != nil {
			return nil, fmt.Errorf("audit: scan recent: %w", err)
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close shuts down the underlying connection.
func (s *Sink) Close() error {
	return s.db.Close()
}
