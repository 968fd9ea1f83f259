// Package scheduler picks eligible jobs in priority order and hands each one
// to an executor, one at a time.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/KoketsoMabuela92/background-job-runner/internal/events"
	"github.com/KoketsoMabuela92/background-job-runner/internal/executor"
	"github.com/KoketsoMabuela92/background-job-runner/internal/lock"
	"github.com/KoketsoMabuela92/background-job-runner/internal/metrics"
	"github.com/KoketsoMabuela92/background-job-runner/internal/models"
	"github.com/KoketsoMabuela92/background-job-runner/internal/queue"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

const (
	DefaultBatchLimit = 10
	DefaultSchedule   = "@every 1m"
	DefaultLockTTL    = 2 * time.Minute
	defaultSettle     = 500 * time.Millisecond
	settlePoll        = 50 * time.Millisecond
	lockKey           = "scheduler-pass"
	finishTimeout     = 10 * time.Second
)

// Abandoner fails a job whose executor exited without finishing it.
type Abandoner interface {
	Abandon(ctx context.Context, id uuid.UUID, reason string) error
}

type Options struct {
	BatchLimit int
	// Schedule is a robfig/cron spec such as "@every 1m" or "*/5 * * * *".
	Schedule  string
	Locker    lock.Locker
	LockTTL   time.Duration
	Publisher events.Publisher
	Clock     func() time.Time
	// Settle is how long a record left running may take to reach a final
	// status (for example a concurrent cancellation) before it is abandoned.
	Settle time.Duration
	// Drain is how long jobs already started may keep running after Start's
	// context is cancelled. Zero stops them immediately.
	Drain time.Duration
}

type Scheduler struct {
	store     queue.Store
	exec      executor.Executor
	abandoner Abandoner
	logger    *slog.Logger

	batchLimit int
	schedule   string
	locker     lock.Locker
	lockTTL    time.Duration
	publisher  events.Publisher
	now        func() time.Time
	settle     time.Duration
	drain      time.Duration
}

func New(store queue.Store, exec executor.Executor, abandoner Abandoner, logger *slog.Logger, opts Options) *Scheduler {
	s := &Scheduler{
		store:      store,
		exec:       exec,
		abandoner:  abandoner,
		logger:     logger,
		batchLimit: opts.BatchLimit,
		schedule:   opts.Schedule,
		locker:     opts.Locker,
		lockTTL:    opts.LockTTL,
		publisher:  opts.Publisher,
		now:        opts.Clock,
		settle:     opts.Settle,
		drain:      opts.Drain,
	}
	if s.batchLimit <= 0 {
		s.batchLimit = DefaultBatchLimit
	}
	if s.schedule == "" {
		s.schedule = DefaultSchedule
	}
	if s.locker == nil {
		s.locker = lock.Noop{}
	}
	if s.lockTTL <= 0 {
		s.lockTTL = DefaultLockTTL
	}
	if s.publisher == nil {
		s.publisher = events.NoopPublisher{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.settle <= 0 {
		s.settle = defaultSettle
	}
	return s
}

// RunPass executes one scheduling pass. A failing job never aborts the
// batch; only a failure to query the store is returned.
func (s *Scheduler) RunPass(ctx context.Context) (*Report, error) {
	return s.runPass(ctx, ctx.Done())
}

// runPass stops picking up jobs once stop is closed; ctx bounds the jobs
// already started.
func (s *Scheduler) runPass(ctx context.Context, stop <-chan struct{}) (*Report, error) {
	start := time.Now()
	lease, ok, err := s.locker.TryLock(ctx, lockKey, s.lockTTL)
	if err != nil {
		metrics.ObservePass("error", time.Since(start))
		return nil, err
	}
	if !ok {
		s.logger.Info("Another scheduler holds the pass lock, skipping")
		metrics.ObservePass("locked", 0)
		return &Report{Locked: true}, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			s.logger.Warn("Failed to release pass lock", "error", err)
		}
	}()

	if _, noop := s.locker.(lock.Noop); !noop {
		renewCtx, stopRenew := context.WithCancel(ctx)
		defer stopRenew()
		go s.renew(renewCtx, lease)
	}

	jobs, err := s.store.QueryEligible(ctx, s.batchLimit)
	if err != nil {
		metrics.ObservePass("error", time.Since(start))
		return nil, fmt.Errorf("query eligible jobs: %w", err)
	}

	report := &Report{Started: start}
	if len(jobs) == 0 {
		s.logger.Debug("No eligible jobs")
	} else {
		s.logger.Info("Running eligible jobs", "count", len(jobs))
	}
	for _, job := range jobs {
		if stopped(stop) || ctx.Err() != nil {
			s.logger.Info("Scheduler pass interrupted", "remaining", len(jobs)-len(report.Outcomes))
			break
		}
		report.add(s.runOne(ctx, job))
	}
	report.Duration = time.Since(start)
	metrics.ObservePass("ok", report.Duration)

	s.publisher.Publish(events.Event{
		Timestamp: s.now(),
		Level:     "info",
		Type:      events.TypePassFinished,
		Message:   report.Summary(),
	})
	return report, nil
}

// renew keeps the pass lock alive while jobs run, every third of its TTL.
func (s *Scheduler) renew(ctx context.Context, lease lock.Lease) {
	interval := s.lockTTL / 3
	if interval <= 0 {
		s.logger.Warn("Pass lock TTL too short to renew", "lock_ttl", s.lockTTL)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := lease.Renew(ctx, s.lockTTL)
			if err != nil {
				s.logger.Error("Pass lock renewal failed", "error", err)
			} else if !ok {
				s.logger.Warn("Pass lock lost while jobs were running")
				return
			}
		}
	}
}

func (s *Scheduler) runOne(ctx context.Context, job *models.Job) Outcome {
	logger := s.logger.With("job_id", job.ID, "job", job.Descriptor(), "priority", job.Priority)
	out := Outcome{JobID: job.ID, JobType: job.JobType, EntryPoint: job.EntryPoint, Priority: job.Priority}

	eligibleSince := job.CreatedAt
	if job.ScheduledAt != nil && job.ScheduledAt.After(eligibleSince) {
		eligibleSince = *job.ScheduledAt
	}
	wait := s.now().Sub(eligibleSince)

	res, err := s.exec.Execute(ctx, job)
	if err != nil {
		logger.Error("Failed to execute job", "error", err)
		out.Result = OutcomeError
		out.Error = err.Error()
		metrics.ObserveExecution(job.JobType, string(out.Result), wait, 0)
		return out
	}
	out.ExitCode = res.ExitCode
	out.Duration = res.Duration

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	current, err := s.settleRecord(finishCtx, job.ID)
	if err == nil && current.Status == models.StatusRunning && current.ProcessID != nil && *current.ProcessID == res.PID {
		reason := fmt.Sprintf("Job process exited with code %d", res.ExitCode)
		if res.TimedOut {
			reason = fmt.Sprintf("Job timed out after %s", res.Duration.Round(time.Second))
		}
		if aerr := s.abandoner.Abandon(finishCtx, job.ID, reason); aerr != nil {
			logger.Error("Failed to abandon job", "error", aerr)
		}
		current, err = s.store.Get(finishCtx, job.ID)
	}
	if err != nil {
		logger.Error("Failed to reload job", "error", err)
		out.Result = OutcomeError
		out.Error = err.Error()
		metrics.ObserveExecution(job.JobType, string(out.Result), wait, res.Duration)
		return out
	}

	out.Result = classify(current.Status)
	if out.Result == OutcomeFailed {
		out.Error = current.ErrorText()
	}
	if res.ExitCode == executor.ExitRequestError && out.Result == OutcomeSkipped {
		logger.Info("Job was not run by this pass", "stderr", res.Stderr)
	}
	logger.Info("Job handled", "outcome", out.Result, "exit_code", res.ExitCode, "duration", res.Duration)
	metrics.ObserveExecution(job.JobType, string(out.Result), wait, res.Duration)
	return out
}

// settleRecord reloads the job, giving a record still marked running a short
// window to be finalised by whoever is cancelling it.
func (s *Scheduler) settleRecord(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	deadline := time.Now().Add(s.settle)
	for {
		job, err := s.store.Get(ctx, id)
		if err != nil || job.Status != models.StatusRunning || time.Now().After(deadline) {
			return job, err
		}
		select {
		case <-ctx.Done():
			return job, nil
		case <-time.After(settlePoll):
		}
	}
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// Start runs passes on the configured cron schedule until ctx is cancelled,
// beginning with one immediate pass. Passes never overlap in this process.
// After cancellation no new job starts and running ones get the drain window.
func (s *Scheduler) Start(ctx context.Context) error {
	passCtx, cancelPass := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelPass()

	clog := cronLogger{s.logger}
	job := cron.NewChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)).Then(cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.runPass(passCtx, ctx.Done()); err != nil {
			s.logger.Error("Scheduler pass failed", "error", err)
		}
	}))

	sched, err := cron.ParseStandard(s.schedule)
	if err != nil {
		return fmt.Errorf("parse schedule %q: %w", s.schedule, err)
	}
	c := cron.New(cron.WithLogger(clog))
	c.Schedule(sched, job)

	s.logger.Info("Starting scheduler", "schedule", s.schedule, "batch_limit", s.batchLimit)
	c.Start()
	var first sync.WaitGroup
	first.Add(1)
	go func() {
		defer first.Done()
		job.Run()
	}()

	<-ctx.Done()
	s.logger.Info("Scheduler received shutdown signal, waiting for the current pass to finish...", "drain", s.drain)
	if s.drain > 0 {
		timer := time.AfterFunc(s.drain, cancelPass)
		defer timer.Stop()
	} else {
		cancelPass()
	}
	<-c.Stop().Done()
	first.Wait()
	s.logger.Info("Scheduler stopped")
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
