package models

import "errors"

var (
	// ErrNotAllowed is returned for a job type / entry point pair outside the allow-list.
	ErrNotAllowed = errors.New("job type or entry point not allowed")
	// ErrValidation covers malformed creation parameters.
	ErrValidation = errors.New("invalid job parameters")
	ErrNotFound   = errors.New("job not found")
	// ErrInvalidTransition is returned when a record is not in a state the
	// requested operation accepts, including a lost pending->running race.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrExecutionFailure wraps handler failures. It is recorded on the job,
	// never returned by Run.
	ErrExecutionFailure = errors.New("job execution failed")
	ErrSignalDelivery   = errors.New("signal delivery failed")
)
