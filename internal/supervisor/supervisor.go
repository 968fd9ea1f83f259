package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/KoketsoMabuela92/background-job-runner/internal/models"
	"github.com/KoketsoMabuela92/background-job-runner/internal/proc"
	"github.com/KoketsoMabuela92/background-job-runner/internal/queue"
)

const (
	MsgCancelledPending = "Job cancelled before execution"
	MsgCancelledRunning = "Job cancelled while running"

	DefaultGrace = 5 * time.Second
	pollInterval = 100 * time.Millisecond
)

// Supervisor cancels jobs, reaching into the OS process that runs them.
type Supervisor struct {
	store    queue.Store
	logger   *slog.Logger
	find     func(pid int) proc.Handle
	inflight *Inflight
	grace    time.Duration
	now      func() time.Time
	selfPID  int
}

type Option func(*Supervisor)

// WithGrace sets how long a job may take to exit after SIGTERM before SIGKILL.
func WithGrace(d time.Duration) Option {
	return func(s *Supervisor) { s.grace = d }
}

func WithFinder(find func(pid int) proc.Handle) Option {
	return func(s *Supervisor) { s.find = find }
}

func WithInflight(i *Inflight) Option {
	return func(s *Supervisor) { s.inflight = i }
}

func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

func New(store queue.Store, logger *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		store:   store,
		logger:  logger,
		find:    proc.Find,
		grace:   DefaultGrace,
		now:     time.Now,
		selfPID: os.Getpid(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.grace < 0 {
		s.grace = 0
	}
	return s
}

// Cancel stops a pending or running job. It returns false, leaving the record
// unchanged, when the job is not cancellable. It returns false with an error
// wrapping models.ErrSignalDelivery when the process could not be signalled.
func (s *Supervisor) Cancel(ctx context.Context, job *models.Job) (bool, error) {
	logger := s.logger.With("job_id", job.ID, "job", job.Descriptor())

	// A pending job may start between our read and the update; one re-read
	// covers that race.
	for attempt := 0; attempt < 2; attempt++ {
		switch job.Status {
		case models.StatusPending:
			_, err := s.store.Transition(ctx, job.ID, []models.Status{models.StatusPending}, s.cancelPatch(MsgCancelledPending))
			if err == nil {
				logger.Info("Cancelled pending job")
				return true, nil
			}
			if !errors.Is(err, models.ErrInvalidTransition) {
				return false, err
			}
			fresh, err := s.store.Get(ctx, job.ID)
			if err != nil {
				return false, err
			}
			job = fresh
		case models.StatusRunning:
			return s.cancelRunning(ctx, job, logger)
		default:
			logger.Warn("Cannot cancel job", "status", job.Status)
			return false, nil
		}
	}
	logger.Warn("Cannot cancel job", "status", job.Status)
	return false, nil
}

func (s *Supervisor) cancelRunning(ctx context.Context, job *models.Job, logger *slog.Logger) (bool, error) {
	if job.ProcessID != nil {
		h := s.handle(job)
		logger = logger.With("pid", h.PID())
		if err := s.stop(ctx, h, logger); err != nil {
			logger.Error("Failed to cancel running job", "error", err)
			return false, err
		}
	}

	_, err := s.store.Transition(ctx, job.ID, []models.Status{models.StatusRunning}, s.cancelPatch(MsgCancelledRunning))
	if errors.Is(err, models.ErrInvalidTransition) {
		logger.Warn("Job finished before it could be marked cancelled")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	logger.Info("Cancelled running job")
	return true, nil
}

func (s *Supervisor) handle(job *models.Job) proc.Handle {
	pid := *job.ProcessID
	if pid == s.selfPID && s.inflight != nil {
		return &localJob{id: job.ID, pid: pid, inflight: s.inflight}
	}
	return s.find(pid)
}

// stop runs the escalation: SIGTERM, wait up to the grace period, SIGKILL.
// A process that no longer exists counts as stopped.
func (s *Supervisor) stop(ctx context.Context, h proc.Handle, logger *slog.Logger) error {
	err := h.Terminate()
	switch {
	case err == nil:
		if s.waitExit(ctx, h) {
			return nil
		}
		logger.Warn("Job process ignored SIGTERM, sending SIGKILL", "grace", s.grace)
		if kerr := h.ForceKill(); kerr != nil && !errors.Is(kerr, proc.ErrProcessGone) {
			logger.Warn("SIGKILL after delivered SIGTERM failed", "error", kerr)
		}
		return nil
	case errors.Is(err, proc.ErrProcessGone):
		logger.Info("Job process already gone, treating as stopped")
		return nil
	}

	logger.Error("Failed to send SIGTERM", "error", err)
	kerr := h.ForceKill()
	if kerr == nil || errors.Is(kerr, proc.ErrProcessGone) {
		return nil
	}
	logger.Error("Failed to send SIGKILL", "error", kerr)
	return fmt.Errorf("%w: pid %d: %v; %v", models.ErrSignalDelivery, h.PID(), err, kerr)
}

func (s *Supervisor) waitExit(ctx context.Context, h proc.Handle) bool {
	if !h.Alive() {
		return true
	}
	if s.grace == 0 {
		return false
	}
	deadline := time.NewTimer(s.grace)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return !h.Alive()
		case <-deadline.C:
			return !h.Alive()
		case <-ticker.C:
			if !h.Alive() {
				return true
			}
		}
	}
}

func (s *Supervisor) cancelPatch(msg string) models.Patch {
	now := s.now()
	return models.Patch{
		Status:         models.StatusPtr(models.StatusCancelled),
		CompletedAt:    &now,
		Error:          &msg,
		ClearProcessID: true,
	}
}
