package engine

import "time"

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 60 * time.Second
)

// RetryPolicy decides whether a failed job gets a successor and when it runs.
// The delay is constant across attempts.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// ShouldRetry is evaluated against the failed record's attempts before the
// increment.
func (p RetryPolicy) ShouldRetry(attempts int) bool {
	return attempts < p.MaxAttempts
}
