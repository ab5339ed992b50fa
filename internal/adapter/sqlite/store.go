// Package sqlite persists the job table so queued and interrupted
// downloads survive a restart.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/cwygoda/snatcher/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id          TEXT PRIMARY KEY,
    logical_key TEXT NOT NULL,
    spec        TEXT NOT NULL,
    state       TEXT NOT NULL,
    attempts    INTEGER NOT NULL DEFAULT 0,
    output_path TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    percent     REAL NOT NULL DEFAULT 0,
    downloaded  INTEGER NOT NULL DEFAULT 0,
    total       INTEGER NOT NULL DEFAULT 0,
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
CREATE INDEX IF NOT EXISTS idx_jobs_logical_key ON jobs(logical_key);
`

// Store implements domain.JobStore using SQLite.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the job database at dbPath.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts the job row.
func (s *Store) Save(ctx context.Context, job *domain.Job) error {
	spec, err := json.Marshal(job.Spec)
	if err != nil {
		return fmt.Errorf("encode spec: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, logical_key, spec, state, attempts, output_path, error,
		                   percent, downloaded, total, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   state = excluded.state,
		   attempts = excluded.attempts,
		   output_path = excluded.output_path,
		   error = excluded.error,
		   percent = excluded.percent,
		   downloaded = excluded.downloaded,
		   total = excluded.total,
		   updated_at = excluded.updated_at`,
		job.ID, job.LogicalKey, string(spec), string(job.State), job.Attempts,
		job.OutputPath, job.Error, job.Progress.Percent, job.Progress.Downloaded,
		job.Progress.Total, job.CreatedAt, job.UpdatedAt,
	)
	return err
}

// Delete removes the job row.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	return err
}

// LoadAll returns every persisted job in creation order.
func (s *Store) LoadAll(ctx context.Context) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, logical_key, spec, state, attempts, output_path, error,
		        percent, downloaded, total, created_at, updated_at
		 FROM jobs ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		var (
			job     domain.Job
			specRaw string
			state   string
		)
		if err := rows.Scan(&job.ID, &job.LogicalKey, &specRaw, &state, &job.Attempts,
			&job.OutputPath, &job.Error, &job.Progress.Percent, &job.Progress.Downloaded,
			&job.Progress.Total, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(specRaw), &job.Spec); err != nil {
			return nil, fmt.Errorf("decode spec for job %s: %w", job.ID, err)
		}
		job.State = domain.JobState(state)
		if job.Progress.ETA == 0 {
			job.Progress.ETA = -1 // not persisted, unknown after restart
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Stale returns how many jobs are recorded in a non-terminal state,
// for startup logging.
func (s *Store) Stale(ctx context.Context) (int64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE state IN (?, ?, ?)`,
		string(domain.StateRunning), string(domain.StateRetrying), string(domain.StateCollided))
	var n int64
	err := row.Scan(&n)
	return n, err
}
