package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/offloadlabs/offload/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id              TEXT PRIMARY KEY,
    task            TEXT NOT NULL,
    state           TEXT NOT NULL,
    target_kind     TEXT NOT NULL,
    target_name     TEXT NOT NULL,
    encoding        TEXT NOT NULL,
    remote_work_dir TEXT NOT NULL,
    remote_id       TEXT,
    shard_index     INTEGER NOT NULL DEFAULT 0,
    shard_count     INTEGER NOT NULL DEFAULT 0,
    error           TEXT,
    log_tail        TEXT,
    duration_ms     INTEGER,
    created_at      DATETIME NOT NULL,
    submitted_at    DATETIME,
    started_at      DATETIME,
    finished_at     DATETIME,
    last_polled_at  DATETIME
)`

const createLogLinesTable = `
CREATE TABLE IF NOT EXISTS log_lines (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createJobsTable, createLogLinesTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create table: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (
			id, task, state, target_kind, target_name, encoding,
			remote_work_dir, remote_id, shard_index, shard_count, error,
			log_tail, duration_ms, created_at, submitted_at, started_at,
			finished_at, last_polled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Task, j.State, j.TargetKind, j.TargetName, j.Encoding,
		j.RemoteWorkDir, j.RemoteID, j.ShardIndex, j.ShardCount, j.Error,
		j.LogTail, j.DurationMS, j.CreatedAt, j.SubmittedAt, j.StartedAt,
		j.FinishedAt, j.LastPolledAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j := &model.Job{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, task, state, target_kind, target_name, encoding,
			remote_work_dir, remote_id, shard_index, shard_count, error,
			log_tail, duration_ms, created_at, submitted_at, started_at,
			finished_at, last_polled_at
		FROM jobs WHERE id = ?`, id,
	).Scan(
		&j.ID, &j.Task, &j.State, &j.TargetKind, &j.TargetName, &j.Encoding,
		&j.RemoteWorkDir, &j.RemoteID, &j.ShardIndex, &j.ShardCount, &j.Error,
		&j.LogTail, &j.DurationMS, &j.CreatedAt, &j.SubmittedAt, &j.StartedAt,
		&j.FinishedAt, &j.LastPolledAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a paginated list of jobs ordered by created_at DESC,
// along with the total count of all jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, task, state, target_kind, target_name, encoding,
			remote_work_dir, remote_id, shard_index, shard_count, error,
			log_tail, duration_ms, created_at, submitted_at, started_at,
			finished_at, last_polled_at
		FROM jobs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j := &model.Job{}
		if err := rows.Scan(
			&j.ID, &j.Task, &j.State, &j.TargetKind, &j.TargetName, &j.Encoding,
			&j.RemoteWorkDir, &j.RemoteID, &j.ShardIndex, &j.ShardCount, &j.Error,
			&j.LogTail, &j.DurationMS, &j.CreatedAt, &j.SubmittedAt, &j.StartedAt,
			&j.FinishedAt, &j.LastPolledAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// UpdateJobState transitions a job's state, enforcing the state machine in
// the same transaction that reads the current state. Terminal transitions
// also set finished_at.
func (s *SQLiteStore) UpdateJobState(ctx context.Context, id, state string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT state FROM jobs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read job state: %w", err)
	}

	if current == state {
		return nil
	}
	if !model.ValidTransition(current, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, state)
	}

	now := time.Now().UTC()
	switch state {
	case model.StateSubmitted:
		_, err = tx.ExecContext(ctx,
			"UPDATE jobs SET state = ?, submitted_at = ? WHERE id = ?", state, now, id)
	case model.StateRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE jobs SET state = ?, started_at = ? WHERE id = ?", state, now, id)
	default:
		if model.Terminal(state) {
			_, err = tx.ExecContext(ctx,
				"UPDATE jobs SET state = ?, finished_at = ? WHERE id = ?", state, now, id)
		} else {
			_, err = tx.ExecContext(ctx,
				"UPDATE jobs SET state = ? WHERE id = ?", state, id)
		}
	}
	if err != nil {
		return fmt.Errorf("update job state: %w", err)
	}

	return tx.Commit()
}

// UpdateJob updates a job's mutable fields after a terminal transition.
func (s *SQLiteStore) UpdateJob(ctx context.Context, j *model.Job) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, remote_id = ?, error = ?, log_tail = ?,
			duration_ms = ?, submitted_at = ?, started_at = ?, finished_at = ?,
			last_polled_at = ?
		WHERE id = ?`,
		j.State, j.RemoteID, j.Error, j.LogTail,
		j.DurationMS, j.SubmittedAt, j.StartedAt, j.FinishedAt,
		j.LastPolledAt, j.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchPolled records a poll observation timestamp.
func (s *SQLiteStore) TouchPolled(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET last_polled_at = ? WHERE id = ?", time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch polled: %w", err)
	}
	return nil
}

// GetJobStats computes aggregate statistics across all jobs.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{
		CountByState: make(map[string]int),
		CountByKind:  make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM jobs GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		stats.CountByState[state] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state counts: %w", err)
	}

	kindRows, err := s.db.QueryContext(ctx, "SELECT target_kind, COUNT(*) FROM jobs GROUP BY target_kind")
	if err != nil {
		return nil, fmt.Errorf("count by kind: %w", err)
	}
	defer kindRows.Close()
	for kindRows.Next() {
		var kind string
		var n int
		if err := kindRows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan kind count: %w", err)
		}
		stats.CountByKind[kind] = n
	}
	if err := kindRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kind counts: %w", err)
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM jobs WHERE duration_ms IS NOT NULL").Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

// InsertLogLine persists one fetched remote log line.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, jobID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO log_lines (job_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		jobID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns a job's persisted log lines in sequence order.
func (s *SQLiteStore) GetLogLines(ctx context.Context, jobID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, seq, line, created_at
		FROM log_lines WHERE job_id = ? ORDER BY seq ASC`, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.JobID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}
