package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/KoketsoMabuela92/background-job-runner/internal/models"
)

const (
	defaultInterval = 15 * time.Second
	queryTimeout    = 2 * time.Second
)

// StatusCounter is the part of the job store the collector reads.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)
}

// StartCollector refreshes the per-status job gauges until ctx is done.
func StartCollector(ctx context.Context, store StatusCounter, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = defaultInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := Collect(ctx, store); err != nil {
				logWarn(logger, "Job metrics collection failed", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Collect performs a single refresh of the status gauges.
func Collect(ctx context.Context, store StatusCounter) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	counts, err := store.CountByStatus(queryCtx)
	if err != nil {
		return err
	}
	// Statuses with no rows are reported as zero rather than left stale.
	for _, status := range models.AllStatuses {
		jobsGauge.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	return nil
}

func logWarn(logger *slog.Logger, message string, err error) {
	if logger == nil || err == nil {
		return
	}
	logger.Warn(message, "error", err)
}
