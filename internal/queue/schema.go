package queue

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// payload is JSON rather than JSONB so the stored text, key order included,
// is exactly what the caller submitted.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS background_jobs (
		id UUID PRIMARY KEY,
		job_type TEXT NOT NULL,
		entry_point TEXT NOT NULL,
		payload JSON NOT NULL DEFAULT '{}',
		priority INT NOT NULL DEFAULT 3 CHECK (priority BETWEEN 1 AND 5),
		delay_seconds INT NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
		attempts INT NOT NULL DEFAULT 0,
		scheduled_at TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		error TEXT,
		process_id INT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_background_jobs_status_priority_scheduled
		ON background_jobs (status, priority, scheduled_at);`,
	`CREATE INDEX IF NOT EXISTS idx_background_jobs_created_at
		ON background_jobs (created_at DESC);`,
}

// Timestamps are unix nanoseconds in SQLite.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS background_jobs (
	id TEXT PRIMARY KEY,
	job_type TEXT NOT NULL,
	entry_point TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	priority INTEGER NOT NULL DEFAULT 3 CHECK (priority BETWEEN 1 AND 5),
	delay_seconds INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
	attempts INTEGER NOT NULL DEFAULT 0,
	scheduled_at INTEGER,
	started_at INTEGER,
	completed_at INTEGER,
	error TEXT,
	process_id INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_background_jobs_status_priority_scheduled
	ON background_jobs (status, priority, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_background_jobs_created_at
	ON background_jobs (created_at);
`

// EnsureSchema creates the jobs table and its indexes in PostgreSQL.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, q := range postgresSchema {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
