package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/KoketsoMabuela92/background-job-runner/internal/registry"
)

// ExampleJob works on the "data" string field of its payload.
type ExampleJob struct {
	tick   time.Duration
	logger *slog.Logger
}

func (j *ExampleJob) Handle(ctx context.Context, payload json.RawMessage) registry.Result {
	data, err := j.data(payload)
	if err != nil {
		return registry.Failuref("invalid payload: %v", err)
	}
	j.logger.Info("processing example job", "entry_point", "handle", "length", len(data))
	if err := sleep(ctx, 2*j.tick); err != nil {
		return registry.Failure(err.Error())
	}
	return registry.Success()
}

func (j *ExampleJob) Process(ctx context.Context, payload json.RawMessage) registry.Result {
	data, err := j.data(payload)
	if err != nil {
		return registry.Failuref("invalid payload: %v", err)
	}
	if strings.TrimSpace(data) == "" {
		return registry.Failure("nothing to process: data is empty")
	}
	if err := sleep(ctx, j.tick); err != nil {
		return registry.Failure(err.Error())
	}
	return registry.Success()
}

// Notify hands off to handle, mirroring a notification fan-out step.
func (j *ExampleJob) Notify(ctx context.Context, payload json.RawMessage) registry.Result {
	data, err := j.data(payload)
	if err != nil {
		return registry.Failuref("invalid payload: %v", err)
	}
	j.logger.Info("sending example notification", "length", len(data))
	return registry.Success().Then(ExampleJobType, "handle", map[string]string{"data": data})
}

func (j *ExampleJob) data(payload json.RawMessage) (string, error) {
	obj, err := decodeObject(payload)
	if err != nil {
		return "", err
	}
	s, _ := obj["data"].(string)
	return s, nil
}
