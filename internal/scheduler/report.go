package scheduler

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/KoketsoMabuela92/background-job-runner/internal/models"
	"github.com/google/uuid"
)

type OutcomeResult string

const (
	OutcomeCompleted OutcomeResult = "completed"
	OutcomeFailed    OutcomeResult = "failed"
	OutcomeCancelled OutcomeResult = "cancelled"
	// OutcomeSkipped covers jobs that were not run: claimed elsewhere or no longer due.
	OutcomeSkipped OutcomeResult = "skipped"
	OutcomeError   OutcomeResult = "error"
)

type Outcome struct {
	JobID      uuid.UUID     `json:"job_id"`
	JobType    string        `json:"job_type"`
	EntryPoint string        `json:"entry_point"`
	Priority   int           `json:"priority"`
	Result     OutcomeResult `json:"result"`
	ExitCode   int           `json:"exit_code"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Report summarises one scheduler pass.
type Report struct {
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	// Locked is set when another scheduler held the pass lock.
	Locked   bool      `json:"locked"`
	Outcomes []Outcome `json:"outcomes"`
}

func (r *Report) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
}

// Count returns how many outcomes had the given result.
func (r *Report) Count(result OutcomeResult) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Result == result {
			n++
		}
	}
	return n
}

func (r *Report) Summary() string {
	if r.Locked {
		return "pass skipped: lock held elsewhere"
	}
	return fmt.Sprintf("processed %d jobs: %d completed, %d failed, %d cancelled, %d skipped, %d errors",
		len(r.Outcomes),
		r.Count(OutcomeCompleted),
		r.Count(OutcomeFailed),
		r.Count(OutcomeCancelled),
		r.Count(OutcomeSkipped),
		r.Count(OutcomeError),
	)
}

// WriteJSON encodes the report with latency percentiles of the executed jobs.
func (r *Report) WriteJSON(w io.Writer) error {
	latencies := make([]int64, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		if o.Result != OutcomeError {
			latencies = append(latencies, o.Duration.Milliseconds())
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"summary":     r.Summary(),
		"locked":      r.Locked,
		"duration_ms": r.Duration.Milliseconds(),
		"outcomes":    r.Outcomes,
		"latencies":   summarize(latencies),
	})
}

func summarize(latencies []int64) map[string]int64 {
	if len(latencies) == 0 {
		return nil
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	return map[string]int64{
		"p50": latencies[len(latencies)*50/100],
		"p95": latencies[len(latencies)*95/100],
		"p99": latencies[len(latencies)*99/100],
	}
}

func classify(status models.Status) OutcomeResult {
	switch status {
	case models.StatusCompleted:
		return OutcomeCompleted
	case models.StatusFailed:
		return OutcomeFailed
	case models.StatusCancelled:
		return OutcomeCancelled
	case models.StatusPending:
		return OutcomeSkipped
	default:
		return OutcomeError
	}
}
