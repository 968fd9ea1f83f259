// Package executor runs due jobs, either in a child process or inside the
// current one.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/KoketsoMabuela92/background-job-runner/internal/models"
	"github.com/KoketsoMabuela92/background-job-runner/internal/proc"
	"github.com/google/uuid"
)

const (
	DefaultMaxLogSize = 64 * 1024
	DefaultKillGrace  = 2 * time.Second
	// Exit codes of the child `run` command.
	ExitOK           = 0
	ExitJobFailed    = 1
	ExitRequestError = 2
)

// Result holds the outcome of one execution attempt.
type Result struct {
	ExitCode int           `json:"exit_code"`
	PID      int           `json:"pid"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// Succeeded reports whether the runner exited cleanly.
func (r *Result) Succeeded() bool { return r.ExitCode == ExitOK && !r.TimedOut }

// Executor runs a single job to completion. A returned error means the job
// could not be started at all.
type Executor interface {
	Execute(ctx context.Context, job *models.Job) (*Result, error)
}

// limitedBuffer caps the captured size and silently drops the rest.
type limitedBuffer struct {
	mu sync.Mutex
	bytes.Buffer
	cap int
}

func (l *limitedBuffer) Write(p []byte) (n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	left := l.cap - l.Len()
	if left <= 0 {
		return len(p), nil
	}
	if len(p) > left {
		l.Buffer.Write(p[:left])
		return len(p), nil
	}
	return l.Buffer.Write(p)
}

func (l *limitedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Buffer.String()
}

// ProcessExecutor runs each job as `<Command...> --id <uuid> [--config path]`
// in its own process group.
type ProcessExecutor struct {
	// Command is the runner invocation, e.g. ["/usr/local/bin/jobrunner", "run"].
	Command    []string
	ConfigPath string
	Timeout    time.Duration
	KillGrace  time.Duration
	MaxLogSize int
	Env        []string
	// Stream, when set, also receives the child's output as it is written.
	Stream io.Writer
}

// NewProcessExecutor runs jobs through this binary's run subcommand.
func NewProcessExecutor(configPath string, timeout time.Duration) (*ProcessExecutor, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &ProcessExecutor{
		Command:    []string{self, "run"},
		ConfigPath: configPath,
		Timeout:    timeout,
		KillGrace:  DefaultKillGrace,
		MaxLogSize: DefaultMaxLogSize,
	}, nil
}

func (e *ProcessExecutor) args(id uuid.UUID) []string {
	args := append([]string{}, e.Command...)
	args = append(args, "--id", id.String())
	if e.ConfigPath != "" {
		args = append(args, "--config", e.ConfigPath)
	}
	return args
}

func (e *ProcessExecutor) Execute(ctx context.Context, job *models.Job) (*Result, error) {
	if len(e.Command) == 0 {
		return nil, errors.New("executor: empty command")
	}
	cmdCtx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	grace := e.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	maxLog := e.MaxLogSize
	if maxLog <= 0 {
		maxLog = DefaultMaxLogSize
	}

	args := e.args(job.ID)
	cmd := exec.CommandContext(cmdCtx, args[0], args[1:]...)
	proc.SetProcessGroup(cmd)
	cmd.Cancel = func() error {
		proc.KillGroup(cmd, grace)
		return nil
	}
	cmd.WaitDelay = grace + time.Second
	if len(e.Env) > 0 {
		cmd.Env = append(os.Environ(), e.Env...)
	}

	stdout := &limitedBuffer{cap: maxLog}
	stderr := &limitedBuffer{cap: maxLog}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if e.Stream != nil {
		cmd.Stdout = io.MultiWriter(stdout, e.Stream)
		cmd.Stderr = io.MultiWriter(stderr, e.Stream)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start runner for job %s: %w", job.ID, err)
	}
	err := cmd.Wait()

	res := &Result{
		PID:      cmd.Process.Pid,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.TimedOut = true
	}
	switch {
	case err == nil:
		res.ExitCode = ExitOK
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
	}
	return res, nil
}

// Runner executes a job in the current process.
type Runner interface {
	Run(ctx context.Context, id uuid.UUID) (bool, error)
}

// InlineExecutor runs jobs in the calling process and maps the outcome onto
// the same exit codes the child runner uses.
type InlineExecutor struct {
	Runner Runner
}

func NewInlineExecutor(r Runner) *InlineExecutor {
	return &InlineExecutor{Runner: r}
}

func (e *InlineExecutor) Execute(ctx context.Context, job *models.Job) (*Result, error) {
	start := time.Now()
	ok, err := e.Runner.Run(ctx, job.ID)
	res := &Result{PID: os.Getpid(), ExitCode: ExitCodeFor(ok, err), Duration: time.Since(start)}
	if err != nil {
		res.Stderr = err.Error()
	}
	return res, nil
}

// ExitCodeFor maps a Run outcome to the child process exit code.
func ExitCodeFor(ok bool, err error) int {
	switch {
	case err != nil:
		return ExitRequestError
	case ok:
		return ExitOK
	default:
		return ExitJobFailed
	}
}
