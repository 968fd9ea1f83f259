// Package engine implements the job lifecycle: creation, execution with
// retry, cancellation and manual retry.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/KoketsoMabuela92/background-job-runner/internal/events"
	"github.com/KoketsoMabuela92/background-job-runner/internal/models"
	"github.com/KoketsoMabuela92/background-job-runner/internal/queue"
	"github.com/KoketsoMabuela92/background-job-runner/internal/registry"
	"github.com/KoketsoMabuela92/background-job-runner/internal/supervisor"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName             = "github.com/KoketsoMabuela92/background-job-runner/engine"
	DefaultMaxPayloadBytes = 1 << 20
)

type Options struct {
	// Retry nil selects the default policy. A policy with MaxAttempts 0
	// disables retries.
	Retry           *RetryPolicy
	DefaultPriority int
	// ExecTimeout bounds a single handler invocation. Zero disables it.
	ExecTimeout     time.Duration
	MaxPayloadBytes int
	TerminateGrace  time.Duration
	Publisher       events.Publisher
	Tracer          trace.Tracer
	Clock           func() time.Time
	// PID is recorded on running jobs. It defaults to this process.
	PID        int
	Supervisor *supervisor.Supervisor
	Inflight   *supervisor.Inflight
}

type Engine struct {
	store      queue.Store
	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	inflight   *supervisor.Inflight
	publisher  events.Publisher
	tracer     trace.Tracer
	logger     *slog.Logger

	policy          RetryPolicy
	defaultPriority int
	execTimeout     time.Duration
	maxPayloadBytes int
	pid             int
	now             func() time.Time
}

func New(store queue.Store, reg *registry.Registry, logger *slog.Logger, opts Options) *Engine {
	e := &Engine{
		store:           store,
		registry:        reg,
		logger:          logger,
		policy:          RetryPolicy{MaxAttempts: DefaultMaxAttempts, Delay: DefaultRetryDelay},
		defaultPriority: opts.DefaultPriority,
		execTimeout:     opts.ExecTimeout,
		maxPayloadBytes: opts.MaxPayloadBytes,
		publisher:       opts.Publisher,
		tracer:          opts.Tracer,
		now:             opts.Clock,
		pid:             opts.PID,
		inflight:        opts.Inflight,
		supervisor:      opts.Supervisor,
	}
	if opts.Retry != nil {
		e.policy = *opts.Retry
	}
	if e.defaultPriority == 0 {
		e.defaultPriority = models.DefaultPriority
	}
	if e.maxPayloadBytes <= 0 {
		e.maxPayloadBytes = DefaultMaxPayloadBytes
	}
	if e.publisher == nil {
		e.publisher = events.NoopPublisher{}
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.pid == 0 {
		e.pid = os.Getpid()
	}
	if e.inflight == nil {
		e.inflight = supervisor.NewInflight()
	}
	if e.supervisor == nil {
		e.supervisor = supervisor.New(store, logger,
			supervisor.WithInflight(e.inflight),
			supervisor.WithGrace(opts.TerminateGrace),
			supervisor.WithClock(e.now),
		)
	}
	return e
}

type CreateParams struct {
	JobType    string
	EntryPoint string
	Payload    json.RawMessage
	// Priority nil means the configured default.
	Priority     *int
	DelaySeconds int
}

// Create validates and persists a new pending job. Nothing is written when
// validation fails.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*models.Job, error) {
	if err := e.registry.Validate(p.JobType, p.EntryPoint); err != nil {
		return nil, err
	}
	priority := e.defaultPriority
	if p.Priority != nil {
		priority = *p.Priority
	}
	if priority < models.MinPriority || priority > models.MaxPriority {
		return nil, fmt.Errorf("%w: priority %d outside %d..%d", models.ErrValidation, priority, models.MinPriority, models.MaxPriority)
	}
	if p.DelaySeconds < 0 {
		return nil, fmt.Errorf("%w: delay must not be negative, got %d", models.ErrValidation, p.DelaySeconds)
	}
	payload, err := e.normalizePayload(p.Payload)
	if err != nil {
		return nil, err
	}

	job, err := e.insert(ctx, p.JobType, p.EntryPoint, payload, priority, time.Duration(p.DelaySeconds)*time.Second, 0)
	if err != nil {
		return nil, err
	}
	e.logger.Info("Job created", "job_id", job.ID, "job", job.Descriptor(), "priority", job.Priority, "delay_seconds", job.DelaySeconds)
	e.publish(events.TypeJobCreated, job, "job created")
	return job, nil
}

func (e *Engine) normalizePayload(payload json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage(`{}`), nil
	}
	if len(trimmed) > e.maxPayloadBytes {
		return nil, fmt.Errorf("%w: payload is %d bytes, limit %d", models.ErrValidation, len(trimmed), e.maxPayloadBytes)
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: payload must be a JSON object", models.ErrValidation)
	}
	return append(json.RawMessage(nil), trimmed...), nil
}

func (e *Engine) insert(ctx context.Context, jobType, entryPoint string, payload json.RawMessage, priority int, delay time.Duration, attempts int) (*models.Job, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}
	now := e.now()
	job := &models.Job{
		ID:           id,
		JobType:      jobType,
		EntryPoint:   entryPoint,
		Payload:      payload,
		Priority:     priority,
		DelaySeconds: int(delay / time.Second),
		Status:       models.StatusPending,
		Attempts:     attempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if delay > 0 {
		at := now.Add(delay)
		job.ScheduledAt = &at
	}
	if err := e.store.Insert(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Status returns the current record.
func (e *Engine) Status(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return e.store.Get(ctx, id)
}

func (e *Engine) List(ctx context.Context, opts queue.ListOptions) ([]*models.Job, error) {
	return e.store.List(ctx, opts)
}

// Stats returns record counts per status.
func (e *Engine) Stats(ctx context.Context) (map[models.Status]int64, error) {
	return e.store.CountByStatus(ctx)
}

// Cancel stops a pending or running job. See supervisor.Supervisor.Cancel.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	ok, err := e.supervisor.Cancel(ctx, job)
	if ok {
		job.Status = models.StatusCancelled
		e.publish(events.TypeJobCancelled, job, "job cancelled")
	}
	return ok, err
}

// Retry puts a failed job back in the queue as is: same record, attempts
// unchanged, eligible immediately.
func (e *Engine) Retry(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	now := e.now()
	job, err := e.store.Transition(ctx, id, []models.Status{models.StatusFailed}, models.Patch{
		Status:           models.StatusPtr(models.StatusPending),
		ClearError:       true,
		ScheduledAt:      &now,
		ClearStartedAt:   true,
		ClearCompletedAt: true,
		ClearProcessID:   true,
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("Job queued for manual retry", "job_id", id, "job", job.Descriptor(), "attempts", job.Attempts)
	e.publish(events.TypeJobRetried, job, "job queued for retry")
	return job, nil
}

func (e *Engine) publish(eventType string, job *models.Job, msg string) {
	level := "info"
	if eventType == events.TypeJobFailed {
		level = "error"
	}
	e.publisher.Publish(events.Event{
		Timestamp: e.now(),
		Level:     level,
		Type:      eventType,
		Message:   msg,
		JobID:     job.ID.String(),
		JobType:   job.JobType,
		Status:    string(job.Status),
	})
}
