// Package jobs holds the built-in job handlers shipped with the runner.
package jobs

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/KoketsoMabuela92/background-job-runner/internal/registry"
)

const (
	TestJobType    = "TestJob"
	ExampleJobType = "ExampleJob"
)

// DefaultAllowList is used when configuration does not provide one.
func DefaultAllowList() map[string][]string {
	return map[string][]string{
		ExampleJobType: {"handle", "process", "notify"},
		TestJobType:    {"success", "eventualSuccess", "failure", "longRunning", "withPriority", "delayed"},
	}
}

// Options tune the built-in handlers. Tick is the unit of simulated work.
type Options struct {
	Tick   time.Duration
	Logger *slog.Logger
}

// Table returns the handler table for every built-in job type.
func Table(opts Options) registry.Table {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	test := &TestJob{tick: opts.Tick, logger: opts.Logger.With("job_type", TestJobType)}
	example := &ExampleJob{tick: opts.Tick, logger: opts.Logger.With("job_type", ExampleJobType)}
	return registry.Table{
		TestJobType: {
			"success":          registry.HandlerFunc(test.Success),
			"eventualSuccess":  registry.HandlerFunc(test.EventualSuccess),
			"failure":          registry.HandlerFunc(test.Failure),
			"retryableFailure": registry.HandlerFunc(test.RetryableFailure),
			"longRunning":      registry.HandlerFunc(test.LongRunning),
			"withPriority":     registry.HandlerFunc(test.WithPriority),
			"delayed":          registry.HandlerFunc(test.Delayed),
		},
		ExampleJobType: {
			"handle":  registry.HandlerFunc(example.Handle),
			"process": registry.HandlerFunc(example.Process),
			"notify":  registry.HandlerFunc(example.Notify),
		},
	}
}

// decodeObject reads a payload as a JSON object. Null and empty payloads
// decode to an empty map.
func decodeObject(payload json.RawMessage) (map[string]any, error) {
	out := map[string]any{}
	if len(payload) == 0 || string(payload) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func intField(data map[string]any, key string, fallback int) int {
	switch v := data[key].(type) {
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}
