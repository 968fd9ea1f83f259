package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/KoketsoMabuela92/background-job-runner/internal/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a single-file store for development and single-host use.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Insert(ctx context.Context, job *models.Job) error {
	query := `INSERT INTO background_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		job.ID.String(), job.JobType, job.EntryPoint, string(job.Payload), job.Priority, job.DelaySeconds,
		string(job.Status), job.Attempts, nanosPtr(job.ScheduledAt), nanosPtr(job.StartedAt),
		nanosPtr(job.CompletedAt), job.Error, job.ProcessID, job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM background_jobs WHERE id = ?`, id.String())
	job, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, err
	}
	return job, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id uuid.UUID, patch models.Patch) (*models.Job, error) {
	return s.update(ctx, id, nil, patch)
}

func (s *SQLiteStore) Transition(ctx context.Context, id uuid.UUID, from []models.Status, patch models.Patch) (*models.Job, error) {
	if len(from) == 0 {
		return nil, fmt.Errorf("transition of %s: no source status given", id)
	}
	return s.update(ctx, id, from, patch)
}

func (s *SQLiteStore) update(ctx context.Context, id uuid.UUID, from []models.Status, patch models.Patch) (*models.Job, error) {
	var args []any
	bind := func(v any) string {
		args = append(args, v)
		return "?"
	}
	sets := setClauses(patch, s.now(), bind, func(t time.Time) any { return t.UnixNano() })

	query := "UPDATE background_jobs SET " + strings.Join(sets, ", ") + " WHERE id = " + bind(id.String())
	if len(from) > 0 {
		marks := make([]string, len(from))
		for i, status := range from {
			marks[i] = bind(string(status))
		}
		query += " AND status IN (" + strings.Join(marks, ", ") + ")"
	}
	query += " RETURNING " + jobColumns

	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM background_jobs WHERE id = ?`, id.String()).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}
	return nil, invalidTransition(id, models.Status(current), from)
}

func (s *SQLiteStore) QueryEligible(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `SELECT ` + jobColumns + `
		FROM background_jobs
		WHERE status = 'pending'
		  AND (scheduled_at IS NULL OR scheduled_at <= ?)
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT ?`
	return s.queryJobs(ctx, query, s.now().UnixNano(), limit)
}

func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]*models.Job, error) {
	opts = opts.normalized()
	var where []string
	var args []any
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.JobType != "" {
		where = append(where, "job_type = ?")
		args = append(args, opts.JobType)
	}
	query := `SELECT ` + jobColumns + ` FROM background_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)
	return s.queryJobs(ctx, query, args...)
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM background_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.Status]int64, len(models.AllStatuses))
	for _, status := range models.AllStatuses {
		counts[status] = 0
	}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[models.Status(status)] = count
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var id, payload, status string
	var scheduledAt, startedAt, completedAt, processID sql.NullInt64
	var errText sql.NullString
	var createdAt, updatedAt int64
	err := row.Scan(
		&id, &j.JobType, &j.EntryPoint, &payload, &j.Priority, &j.DelaySeconds,
		&status, &j.Attempts, &scheduledAt, &startedAt, &completedAt,
		&errText, &processID, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse job id %q: %w", id, err)
	}
	j.ID = parsed
	j.Payload = []byte(payload)
	j.Status = models.Status(status)
	j.ScheduledAt = nullNanosPtr(scheduledAt)
	j.StartedAt = nullNanosPtr(startedAt)
	j.CompletedAt = nullNanosPtr(completedAt)
	j.Error = nullStringPtr(errText)
	if processID.Valid {
		pid := int(processID.Int64)
		j.ProcessID = &pid
	}
	j.CreatedAt = time.Unix(0, createdAt)
	j.UpdatedAt = time.Unix(0, updatedAt)
	return &j, nil
}

func nanosPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullNanosPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
