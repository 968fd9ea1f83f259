package executor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/KoketsoMabuela92/background-job-runner/internal/models"
	"github.com/google/uuid"
)

type fakeRunner struct {
	ok  bool
	err error
	got uuid.UUID
}

func (f *fakeRunner) Run(_ context.Context, id uuid.UUID) (bool, error) {
	f.got = id
	return f.ok, f.err
}

func TestInlineExecutor(t *testing.T) {
	tests := []struct {
		name     string
		ok       bool
		err      error
		wantCode int
	}{
		{"success", true, nil, ExitOK},
		{"job failed", false, nil, ExitJobFailed},
		{"request error", false, models.ErrInvalidTransition, ExitRequestError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{ok: tt.ok, err: tt.err}
			job := &models.Job{ID: uuid.New()}
			res, err := NewInlineExecutor(r).Execute(context.Background(), job)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.ExitCode != tt.wantCode {
				t.Fatalf("expected exit code %d, got %d", tt.wantCode, res.ExitCode)
			}
			if r.got != job.ID {
				t.Fatalf("expected runner called with %s, got %s", job.ID, r.got)
			}
		})
	}
}

func TestLimitedBuffer(t *testing.T) {
	b := &limitedBuffer{cap: 4}
	n, err := b.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("expected full write reported, got %d %v", n, err)
	}
	_, _ = b.Write([]byte("gh"))
	if got := b.String(); got != "abcd" {
		t.Fatalf("expected capped output, got %q", got)
	}
}

func TestProcessExecutorArgs(t *testing.T) {
	e := &ProcessExecutor{Command: []string{"/bin/jobrunner", "run"}, ConfigPath: "/etc/jobrunner.yaml"}
	id := uuid.New()
	got := strings.Join(e.args(id), " ")
	want := "/bin/jobrunner run --id " + id.String() + " --config /etc/jobrunner.yaml"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestProcessExecutorEmptyCommand(t *testing.T) {
	_, err := (&ProcessExecutor{}).Execute(context.Background(), &models.Job{ID: uuid.New()})
	if err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestExitCodeFor(t *testing.T) {
	if got := ExitCodeFor(false, errors.New("x")); got != ExitRequestError {
		t.Fatalf("expected %d, got %d", ExitRequestError, got)
	}
}
