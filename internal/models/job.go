package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

const (
	MinPriority     = 1
	MaxPriority     = 5
	DefaultPriority = 3
)

// AllStatuses lists every lifecycle status in display order.
var AllStatuses = []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type Job struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	JobType      string          `json:"job_type" db:"job_type"`
	EntryPoint   string          `json:"entry_point" db:"entry_point"`
	Payload      json.RawMessage `json:"payload" db:"payload"`
	Priority     int             `json:"priority" db:"priority"`
	DelaySeconds int             `json:"delay_seconds" db:"delay_seconds"`
	Status       Status          `json:"status" db:"status"`
	Attempts     int             `json:"attempts" db:"attempts"`
	ScheduledAt  *time.Time      `json:"scheduled_at,omitempty" db:"scheduled_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	Error        *string         `json:"error,omitempty" db:"error"`
	ProcessID    *int            `json:"process_id,omitempty" db:"process_id"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Delayed reports whether the job is scheduled for a time after now.
func (j *Job) Delayed(now time.Time) bool {
	return j.ScheduledAt != nil && j.ScheduledAt.After(now)
}

// Eligible reports whether a scheduler pass may pick the job up at now.
func (j *Job) Eligible(now time.Time) bool {
	return j.Status == StatusPending && !j.Delayed(now)
}

func (j *Job) Cancellable() bool {
	return j.Status == StatusPending || j.Status == StatusRunning
}

// Descriptor is the "Type@entry" form used in logs and errors.
func (j *Job) Descriptor() string {
	return j.JobType + "@" + j.EntryPoint
}

func (j *Job) ErrorText() string {
	if j.Error == nil {
		return ""
	}
	return *j.Error
}

// Clone returns a deep copy so callers never share pointers with a store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.Payload != nil {
		out.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	out.ScheduledAt = cloneTime(j.ScheduledAt)
	out.StartedAt = cloneTime(j.StartedAt)
	out.CompletedAt = cloneTime(j.CompletedAt)
	if j.Error != nil {
		msg := *j.Error
		out.Error = &msg
	}
	if j.ProcessID != nil {
		pid := *j.ProcessID
		out.ProcessID = &pid
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
