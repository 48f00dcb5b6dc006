// Package jobstore keeps a sqlite-backed history of terminal job
// outcomes for the serve-mode dashboard and `jobs list --history`.
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/courtyard/studio/pkg/jobs"
)

type Config struct {
	// Path is a local filesystem path to the history database, or
	// ":memory:" for an ephemeral store.
	Path string
}

// Row is one recorded job.
type Row struct {
	JobID     string     `json:"job_id"`
	Kind      string     `json:"kind"`
	ProjectID string     `json:"project_id,omitempty"`
	State     string     `json:"state"`
	Message   string     `json:"message,omitempty"`
	ExitCode  int        `json:"exit_code"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id     TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	project_id TEXT NOT NULL DEFAULT '',
	state      TEXT NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	exit_code  INTEGER NOT NULL DEFAULT 0,
	started_at TEXT NOT NULL,
	ended_at   TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_started_at ON jobs(started_at DESC);
`

// Open opens (creating if needed) the history database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open job history: %w", err)
	}

	if err := configureLocal(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create job history schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordStart inserts a running row for the job, replacing any stale
// row with the same id.
func (s *Store) RecordStart(ctx context.Context, job jobs.Job, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (job_id, kind, project_id, state, started_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(job_id) DO UPDATE SET
	kind = excluded.kind,
	project_id = excluded.project_id,
	state = excluded.state,
	message = '',
	ended_at = NULL,
	started_at = excluded.started_at`,
		job.ID, string(job.Kind), job.ProjectID, string(jobs.StateRunning), startedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record job start: %w", err)
	}
	return nil
}

// RecordOutcome stamps the terminal state onto the job's row. A row is
// created if RecordStart never ran (spawn failures).
func (s *Store) RecordOutcome(ctx context.Context, job jobs.Job, outcome jobs.Outcome, endedAt time.Time) error {
	ended := endedAt.UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET state = ?, message = ?, exit_code = ?, ended_at = ? WHERE job_id = ?`,
		string(outcome.Status), outcome.Message, outcome.ExitCode, ended, job.ID)
	if err != nil {
		return fmt.Errorf("record job outcome: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO jobs (job_id, kind, project_id, state, message, exit_code, started_at, ended_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Kind), job.ProjectID, string(outcome.Status), outcome.Message,
		outcome.ExitCode, ended, ended)
	if err != nil {
		return fmt.Errorf("record job outcome: %w", err)
	}
	return nil
}

// Get returns one job row.
func (s *Store) Get(ctx context.Context, jobID string) (*Row, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT job_id, kind, project_id, state, message, exit_code, started_at, ended_at
FROM jobs WHERE job_id = ?`, jobID)
	r, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s not found in history", jobID)
	}
	return r, err
}

// Recent lists the newest rows first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT job_id, kind, project_id, state, message, exit_code, started_at, ended_at
FROM jobs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list job history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRow(sc scannable) (*Row, error) {
	var r Row
	var started string
	var ended sql.NullString
	if err := sc.Scan(&r.JobID, &r.Kind, &r.ProjectID, &r.State, &r.Message, &r.ExitCode, &started, &ended); err != nil {
		return nil, err
	}
	if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
		r.StartedAt = ts
	}
	if ended.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, ended.String); err == nil {
			r.EndedAt = &ts
		}
	}
	return &r, nil
}

func buildDSN(cfg Config) (string, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", errors.New("job history path is required")
	}
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "file:") {
		return path, nil
	}
	if err := ensureStoreDir(path); err != nil {
		return "", err
	}
	return "file:" + filepath.Clean(path), nil
}

func configureLocal(ctx context.Context, db *sql.DB, dsn string) error {
	if dsn == ":memory:" {
		// A single connection keeps the in-memory database alive.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		return nil
	}

	// Keep a single connection and use WAL to reduce lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

func ensureStoreDir(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create history directory: %w", err)
	}
	return nil
}
