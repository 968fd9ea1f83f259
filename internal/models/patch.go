package models

import "time"

// Patch describes a single-row update. Nil pointers leave a column untouched;
// the Clear flags write NULL.
type Patch struct {
	Status        *Status
	AttemptsDelta int

	ScheduledAt      *time.Time
	ClearScheduledAt bool

	StartedAt      *time.Time
	ClearStartedAt bool

	CompletedAt      *time.Time
	ClearCompletedAt bool

	Error      *string
	ClearError bool

	ProcessID      *int
	ClearProcessID bool
}

// Empty reports whether the patch would change nothing.
func (p Patch) Empty() bool {
	return p.Status == nil && p.AttemptsDelta == 0 &&
		p.ScheduledAt == nil && !p.ClearScheduledAt &&
		p.StartedAt == nil && !p.ClearStartedAt &&
		p.CompletedAt == nil && !p.ClearCompletedAt &&
		p.Error == nil && !p.ClearError &&
		p.ProcessID == nil && !p.ClearProcessID
}

// Apply mutates j in place. Stores that keep records in memory use it; SQL
// stores translate the same patch into SET clauses.
func (p Patch) Apply(j *Job, now time.Time) {
	if p.Status != nil {
		j.Status = *p.Status
	}
	j.Attempts += p.AttemptsDelta
	switch {
	case p.ClearScheduledAt:
		j.ScheduledAt = nil
	case p.ScheduledAt != nil:
		j.ScheduledAt = cloneTime(p.ScheduledAt)
	}
	switch {
	case p.ClearStartedAt:
		j.StartedAt = nil
	case p.StartedAt != nil:
		j.StartedAt = cloneTime(p.StartedAt)
	}
	switch {
	case p.ClearCompletedAt:
		j.CompletedAt = nil
	case p.CompletedAt != nil:
		j.CompletedAt = cloneTime(p.CompletedAt)
	}
	switch {
	case p.ClearError:
		j.Error = nil
	case p.Error != nil:
		msg := *p.Error
		j.Error = &msg
	}
	switch {
	case p.ClearProcessID:
		j.ProcessID = nil
	case p.ProcessID != nil:
		pid := *p.ProcessID
		j.ProcessID = &pid
	}
	j.UpdatedAt = now
}

func StatusPtr(s Status) *Status { return &s }

func StringPtr(s string) *string { return &s }

func TimePtr(t time.Time) *time.Time { return &t }

func IntPtr(v int) *int { return &v }
