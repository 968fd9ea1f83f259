package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/KoketsoMabuela92/background-job-runner/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps job records in PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool     *pgxpool.Pool
	now      func() time.Time
	ownsPool bool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

func (s *PostgresStore) Insert(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO background_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := s.pool.Exec(ctx, query,
		job.ID, job.JobType, job.EntryPoint, []byte(job.Payload), job.Priority, job.DelaySeconds,
		string(job.Status), job.Attempts, job.ScheduledAt, job.StartedAt, job.CompletedAt,
		job.Error, job.ProcessID, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM background_jobs WHERE id = $1`, id)
	job, err := scanPgJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, err
	}
	return job, nil
}

func (s *PostgresStore) Update(ctx context.Context, id uuid.UUID, patch models.Patch) (*models.Job, error) {
	return s.update(ctx, id, nil, patch)
}

func (s *PostgresStore) Transition(ctx context.Context, id uuid.UUID, from []models.Status, patch models.Patch) (*models.Job, error) {
	if len(from) == 0 {
		return nil, fmt.Errorf("transition of %s: no source status given", id)
	}
	return s.update(ctx, id, from, patch)
}

func (s *PostgresStore) update(ctx context.Context, id uuid.UUID, from []models.Status, patch models.Patch) (*models.Job, error) {
	args := []any{id}
	bind := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	sets := setClauses(patch, s.now(), bind, func(t time.Time) any { return t })

	query := "UPDATE background_jobs SET " + strings.Join(sets, ", ") + " WHERE id = $1"
	if len(from) > 0 {
		query += " AND status = ANY(" + bind(statusStrings(from)) + ")"
	}
	query += " RETURNING " + jobColumns

	job, err := scanPgJob(s.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM background_jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}
	return nil, invalidTransition(id, models.Status(current), from)
}

func (s *PostgresStore) QueryEligible(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `
		SELECT ` + jobColumns + `
		FROM background_jobs
		WHERE status = 'pending'
		  AND (scheduled_at IS NULL OR scheduled_at <= $1)
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT $2
	`
	return s.queryJobs(ctx, query, s.now(), limit)
}

func (s *PostgresStore) List(ctx context.Context, opts ListOptions) ([]*models.Job, error) {
	opts = opts.normalized()
	var where []string
	var args []any
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	if opts.JobType != "" {
		args = append(args, opts.JobType)
		where = append(where, "job_type = $"+strconv.Itoa(len(args)))
	}
	query := `SELECT ` + jobColumns + ` FROM background_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, opts.Limit, opts.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return s.queryJobs(ctx, query, args...)
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM background_jobs GROUP BY status`)
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool only when the store opened it itself.
func (s *PostgresStore) Close() error {
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) queryJobs(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanPgJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var payload []byte
	var status string
	err := row.Scan(
		&j.ID, &j.JobType, &j.EntryPoint, &payload, &j.Priority, &j.DelaySeconds,
		&status, &j.Attempts, &j.ScheduledAt, &j.StartedAt, &j.CompletedAt,
		&j.Error, &j.ProcessID, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Payload = payload
	j.Status = models.Status(status)
	return &j, nil
}
