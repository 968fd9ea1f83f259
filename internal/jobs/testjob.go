package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/KoketsoMabuela92/background-job-runner/internal/registry"
)

const longRunningSteps = 30

// TestJob exercises every lifecycle path: success with chaining, retries,
// permanent failure and cancellation of long work.
type TestJob struct {
	tick   time.Duration
	logger *slog.Logger
}

func (j *TestJob) Success(ctx context.Context, payload json.RawMessage) registry.Result {
	j.logger.Info("processing successful job", "entry_point", "success", "payload", string(payload))
	if err := sleep(ctx, 2*j.tick); err != nil {
		return registry.Failure(err.Error())
	}
	return registry.Success().Then(TestJobType, "delayed", map[string]int{"delay": 5})
}

// EventualSuccess fails until the payload carries attempts >= 1.
func (j *TestJob) EventualSuccess(_ context.Context, payload json.RawMessage) registry.Result {
	data, err := decodeObject(payload)
	if err != nil {
		return registry.Failuref("invalid payload: %v", err)
	}
	if intField(data, "attempts", 0) < 1 {
		return registry.Failure("Simulated failure, will retry up to 3 times")
	}
	return registry.Success()
}

func (j *TestJob) Failure(context.Context, json.RawMessage) registry.Result {
	j.logger.Error("processing failing job", "entry_point", "failure")
	return registry.Failure("Simulated permanent failure - not retryable")
}

func (j *TestJob) RetryableFailure(context.Context, json.RawMessage) registry.Result {
	return registry.Failure("Simulated failure - will retry once")
}

func (j *TestJob) LongRunning(ctx context.Context, _ json.RawMessage) registry.Result {
	for i := 0; i < longRunningSteps; i++ {
		if err := sleep(ctx, j.tick); err != nil {
			return registry.Failuref("interrupted at step %d/%d: %v", i, longRunningSteps, err)
		}
		j.logger.Debug("long-running job progress", "step", i, "of", longRunningSteps)
	}
	return registry.Success()
}

func (j *TestJob) WithPriority(ctx context.Context, payload json.RawMessage) registry.Result {
	data, err := decodeObject(payload)
	if err != nil {
		return registry.Failuref("invalid payload: %v", err)
	}
	j.logger.Info("processing job with priority", "priority", intField(data, "priority", 3))
	if err := sleep(ctx, j.tick); err != nil {
		return registry.Failure(err.Error())
	}
	return registry.Success()
}

func (j *TestJob) Delayed(_ context.Context, payload json.RawMessage) registry.Result {
	data, err := decodeObject(payload)
	if err != nil {
		return registry.Failuref("invalid payload: %v", err)
	}
	j.logger.Info("processing delayed job", "delay", intField(data, "delay", 0))
	return registry.Success()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
