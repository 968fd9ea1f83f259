package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/KoketsoMabuela92/background-job-runner/internal/events"
	"github.com/KoketsoMabuela92/background-job-runner/internal/models"
	"github.com/KoketsoMabuela92/background-job-runner/internal/registry"
	"github.com/KoketsoMabuela92/background-job-runner/internal/supervisor"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const finishTimeout = 10 * time.Second

// Run executes a pending job once and records the outcome.
//
// It returns true when the handler succeeded and true without side effects
// when the job is already completed or cancelled or is not due yet. Handler
// failures are recorded on the job and reported as false with a nil error;
// only request errors (unknown id, incompatible status, lost race to another
// runner, pair no longer allowed) are returned.
func (e *Engine) Run(ctx context.Context, id uuid.UUID) (bool, error) {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	logger := e.logger.With("job_id", job.ID, "job", job.Descriptor())

	switch job.Status {
	case models.StatusCompleted, models.StatusCancelled:
		logger.Debug("Job already finished, nothing to do", "status", job.Status)
		return true, nil
	case models.StatusPending:
	default:
		return false, fmt.Errorf("%w: job %s is %s", models.ErrInvalidTransition, job.ID, job.Status)
	}

	now := e.now()
	if job.Delayed(now) {
		logger.Debug("Job not due yet", "scheduled_at", job.ScheduledAt)
		return true, nil
	}

	handler, resolveErr := e.registry.Resolve(job.JobType, job.EntryPoint)

	running, err := e.store.Transition(ctx, job.ID, []models.Status{models.StatusPending}, models.Patch{
		Status:    models.StatusPtr(models.StatusRunning),
		StartedAt: &now,
		ProcessID: &e.pid,
	})
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			logger.Info("Job claimed by another runner, skipping")
		}
		return false, err
	}
	logger.Info("Starting job", "attempts", running.Attempts, "pid", e.pid)
	e.publish(events.TypeJobStarted, running, "job started")

	// Outcome writes must land even if the caller is shutting down.
	finishCtx, cancelFinish := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancelFinish()

	if resolveErr != nil {
		logger.Error("Job rejected at execution", "error", resolveErr)
		e.fail(finishCtx, running, resolveErr.Error(), false)
		return false, resolveErr
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	untrack := e.inflight.Track(job.ID, cancel)
	defer untrack()

	res := e.invoke(runCtx, running, handler)

	if errors.Is(context.Cause(runCtx), supervisor.ErrCancelRequested) {
		logger.Info("Job interrupted by cancellation")
		return false, nil
	}
	if !res.OK {
		e.fail(finishCtx, running, res.FailureReason(), true)
		return false, nil
	}
	return e.complete(finishCtx, running, res), nil
}

// Abandon fails a job whose executor went away without finishing the record,
// for example a child process that crashed or was killed on timeout.
func (e *Engine) Abandon(ctx context.Context, id uuid.UUID, reason string) error {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != models.StatusRunning {
		return nil
	}
	e.logger.Warn("Abandoning job", "job_id", job.ID, "job", job.Descriptor(), "reason", reason)
	e.fail(ctx, job, reason, true)
	return nil
}

// invoke calls the handler under a span, converting panics and timeouts into
// failure results.
func (e *Engine) invoke(ctx context.Context, job *models.Job, h registry.Handler) registry.Result {
	ctx, span := e.tracer.Start(ctx, "jobrunner.job.execute",
		trace.WithAttributes(
			attribute.String("jobrunner.job.id", job.ID.String()),
			attribute.String("jobrunner.job.type", job.JobType),
			attribute.String("jobrunner.job.entry_point", job.EntryPoint),
			attribute.Int("jobrunner.job.priority", job.Priority),
			attribute.Int("jobrunner.job.attempts", job.Attempts),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	if e.execTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.execTimeout)
		defer cancel()
	}

	done := make(chan registry.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("Job handler panicked",
					"job_id", job.ID,
					"job", job.Descriptor(),
					"panic", r,
					"stack", string(debug.Stack()),
				)
				done <- registry.Failuref("panic: %v", r)
			}
		}()
		done <- h.Execute(ctx, job.Payload)
	}()

	var res registry.Result
	select {
	case res = <-done:
	case <-ctx.Done():
		select {
		case res = <-done:
		default:
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				res = registry.Failuref("Job timed out after %s", e.execTimeout)
			} else {
				res = registry.Failuref("Job interrupted: %v", context.Cause(ctx))
			}
		}
	}

	if res.OK {
		span.SetStatus(codes.Ok, "")
	} else {
		err := fmt.Errorf("%w: %s", models.ErrExecutionFailure, res.FailureReason())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res
}

func (e *Engine) complete(ctx context.Context, job *models.Job, res registry.Result) bool {
	logger := e.logger.With("job_id", job.ID, "job", job.Descriptor())
	now := e.now()
	done, err := e.store.Transition(ctx, job.ID, []models.Status{models.StatusRunning}, models.Patch{
		Status:         models.StatusPtr(models.StatusCompleted),
		CompletedAt:    &now,
		ClearProcessID: true,
	})
	if err != nil {
		// A cancellation that landed first is authoritative.
		logger.Warn("Could not mark job completed", "error", err)
		return false
	}
	logger.Info("Job completed successfully")
	e.publish(events.TypeJobCompleted, done, "job completed")

	for _, next := range res.Chain {
		chained, err := e.Create(ctx, CreateParams{
			JobType:      next.JobType,
			EntryPoint:   next.EntryPoint,
			Payload:      next.Payload,
			Priority:     next.Priority,
			DelaySeconds: next.Delay,
		})
		if err != nil {
			logger.Error("Failed to create chained job", "next", next.JobType+"@"+next.EntryPoint, "error", err)
			continue
		}
		logger.Info("Chained job created", "next_job_id", chained.ID)
	}
	return true
}

// fail records a failure and, when allowed, creates the retry successor. The
// attempts increment rides on the same update as the status change.
func (e *Engine) fail(ctx context.Context, job *models.Job, reason string, retryable bool) {
	logger := e.logger.With("job_id", job.ID, "job", job.Descriptor())
	retry := retryable && e.policy.ShouldRetry(job.Attempts)

	now := e.now()
	patch := models.Patch{
		Status:         models.StatusPtr(models.StatusFailed),
		CompletedAt:    &now,
		Error:          &reason,
		ClearProcessID: true,
	}
	if retry {
		patch.AttemptsDelta = 1
	}
	failed, err := e.store.Transition(ctx, job.ID, []models.Status{models.StatusRunning}, patch)
	if err != nil {
		logger.Warn("Could not mark job failed", "error", err)
		return
	}
	logger.Error("Job failed", "reason", reason, "attempts", failed.Attempts)
	e.publish(events.TypeJobFailed, failed, reason)

	if !retry {
		return
	}
	if err := e.registry.Validate(failed.JobType, failed.EntryPoint); err != nil {
		logger.Warn("Not retrying job that is no longer allowed", "error", err)
		return
	}
	next, err := e.insert(ctx, failed.JobType, failed.EntryPoint, failed.Payload, failed.Priority, e.policy.Delay, failed.Attempts)
	if err != nil {
		logger.Error("Failed to create retry job", "error", err)
		return
	}
	logger.Info("Retry scheduled", "retry_job_id", next.ID, "scheduled_at", next.ScheduledAt, "attempts", next.Attempts)
	e.publish(events.TypeJobCreated, next, "retry scheduled")
}
