package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobrunner_jobs_executed_total",
		Help: "Jobs handed to an executor by the scheduler, by outcome",
	}, []string{"job_type", "outcome"})

	execDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobrunner_exec_duration_seconds",
		Help:    "Time taken to execute a job, including process start",
		Buckets: prometheus.DefBuckets,
	}, []string{"job_type"})

	queueWaitTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobrunner_queue_wait_duration_seconds",
		Help:    "Time a job spent eligible before the scheduler picked it up",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"job_type"})

	passDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "jobrunner_scheduler_pass_duration_seconds",
		Help:    "Duration of a full scheduler pass",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	passesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobrunner_scheduler_passes_total",
		Help: "Scheduler passes by result (ok, error, locked)",
	}, []string{"result"})

	jobsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobrunner_jobs",
		Help: "Job records currently in the store, by status",
	}, []string{"status"})
)

// ObserveExecution records one job handled by the scheduler.
func ObserveExecution(jobType, outcome string, wait, exec time.Duration) {
	jobsExecuted.WithLabelValues(jobType, outcome).Inc()
	execDuration.WithLabelValues(jobType).Observe(exec.Seconds())
	if wait > 0 {
		queueWaitTime.WithLabelValues(jobType).Observe(wait.Seconds())
	}
}

// ObservePass records a scheduler pass; result is "ok", "error" or "locked".
func ObservePass(result string, d time.Duration) {
	passesTotal.WithLabelValues(result).Inc()
	if result != "locked" {
		passDuration.Observe(d.Seconds())
	}
}
