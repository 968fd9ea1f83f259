package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/KoketsoMabuela92/background-job-runner/internal/models"
	"github.com/google/uuid"
)

const (
	TableName        = "background_jobs"
	DefaultListLimit = 50
	MaxListLimit     = 500
)

const jobColumns = `id, job_type, entry_point, payload, priority, delay_seconds, status, attempts,
	scheduled_at, started_at, completed_at, error, process_id, created_at, updated_at`

// Store is the durable home of job records. Every method is a single atomic
// statement against one row, except the read-only queries.
type Store interface {
	Insert(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// Update applies the patch unconditionally (last writer wins).
	Update(ctx context.Context, id uuid.UUID, patch models.Patch) (*models.Job, error)
	// Transition applies the patch only while the record's status is one of
	// from. It returns models.ErrInvalidTransition otherwise.
	Transition(ctx context.Context, id uuid.UUID, from []models.Status, patch models.Patch) (*models.Job, error)
	// QueryEligible returns pending jobs whose schedule has arrived, highest
	// priority first, oldest first within a priority.
	QueryEligible(ctx context.Context, limit int) ([]*models.Job, error)
	List(ctx context.Context, opts ListOptions) ([]*models.Job, error)
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)
	Ping(ctx context.Context) error
	Close() error
}

type ListOptions struct {
	Status  models.Status
	JobType string
	Limit   int
	Offset  int
}

func (o ListOptions) normalized() ListOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

func notFound(id uuid.UUID) error {
	return fmt.Errorf("%w: %s", models.ErrNotFound, id)
}

func invalidTransition(id uuid.UUID, current models.Status, from []models.Status) error {
	return fmt.Errorf("%w: job %s is %s, expected %s", models.ErrInvalidTransition, id, current, joinStatuses(from))
}

func joinStatuses(statuses []models.Status) string {
	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = string(s)
	}
	return strings.Join(parts, "|")
}

func statusStrings(statuses []models.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// setClauses renders a patch as SQL SET assignments. bind registers an argument
// and returns its placeholder; timeArg converts timestamps for the driver.
func setClauses(p models.Patch, now time.Time, bind func(any) string, timeArg func(time.Time) any) []string {
	var sets []string
	if p.Status != nil {
		sets = append(sets, "status = "+bind(string(*p.Status)))
	}
	if p.AttemptsDelta != 0 {
		sets = append(sets, "attempts = attempts + "+bind(p.AttemptsDelta))
	}
	timeSet := func(col string, v *time.Time, clear bool) {
		switch {
		case clear:
			sets = append(sets, col+" = NULL")
		case v != nil:
			sets = append(sets, col+" = "+bind(timeArg(*v)))
		}
	}
	timeSet("scheduled_at", p.ScheduledAt, p.ClearScheduledAt)
	timeSet("started_at", p.StartedAt, p.ClearStartedAt)
	timeSet("completed_at", p.CompletedAt, p.ClearCompletedAt)
	switch {
	case p.ClearError:
		sets = append(sets, "error = NULL")
	case p.Error != nil:
		sets = append(sets, "error = "+bind(summarizeError(*p.Error)))
	}
	switch {
	case p.ClearProcessID:
		sets = append(sets, "process_id = NULL")
	case p.ProcessID != nil:
		sets = append(sets, "process_id = "+bind(*p.ProcessID))
	}
	sets = append(sets, "updated_at = "+bind(timeArg(now)))
	return sets
}
