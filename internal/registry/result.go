package registry

import (
	"encoding/json"
	"fmt"
)

// DefaultFailureReason is recorded when a handler fails without saying why.
const DefaultFailureReason = "Job returned false"

// Result is what a handler hands back to the engine.
type Result struct {
	OK     bool
	Reason string
	// Chain lists follow-up jobs to create after a successful run.
	Chain []Chained
}

// Chained describes a follow-up job. A nil Priority inherits the configured default.
type Chained struct {
	JobType    string
	EntryPoint string
	Payload    json.RawMessage
	Priority   *int
	Delay      int
}

func Success() Result {
	return Result{OK: true}
}

func Failure(reason string) Result {
	return Result{Reason: reason}
}

func Failuref(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

// FailureReason returns the text stored on a failed record.
func (r Result) FailureReason() string {
	if r.Reason == "" {
		return DefaultFailureReason
	}
	return r.Reason
}

// Then appends a follow-up job and returns the result for chaining calls.
func (r Result) Then(jobType, entryPoint string, payload any) Result {
	raw, err := json.Marshal(payload)
	if err != nil || payload == nil {
		raw = json.RawMessage(`{}`)
	}
	r.Chain = append(r.Chain, Chained{JobType: jobType, EntryPoint: entryPoint, Payload: raw})
	return r
}
