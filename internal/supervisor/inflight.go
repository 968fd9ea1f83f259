package supervisor

import (
	"context"
	"errors"
	"sync"

	"github.com/KoketsoMabuela92/background-job-runner/internal/proc"
	"github.com/google/uuid"
)

// ErrCancelRequested is the context cause set when a job running inside this
// process is cancelled. The engine leaves such a record for the supervisor to
// finish.
var ErrCancelRequested = errors.New("job cancellation requested")

// Inflight tracks jobs executing in this process, keyed by job id.
type Inflight struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]context.CancelCauseFunc
}

func NewInflight() *Inflight {
	return &Inflight{jobs: make(map[uuid.UUID]context.CancelCauseFunc)}
}

// Track registers a running job and returns the func that removes it.
func (i *Inflight) Track(id uuid.UUID, cancel context.CancelCauseFunc) func() {
	i.mu.Lock()
	i.jobs[id] = cancel
	i.mu.Unlock()
	return func() {
		i.mu.Lock()
		delete(i.jobs, id)
		i.mu.Unlock()
	}
}

func (i *Inflight) Running(id uuid.UUID) bool {
	if i == nil {
		return false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.jobs[id]
	return ok
}

func (i *Inflight) cancel(id uuid.UUID) bool {
	i.mu.Lock()
	cancel, ok := i.jobs[id]
	i.mu.Unlock()
	if ok {
		cancel(ErrCancelRequested)
	}
	return ok
}

// localJob adapts an in-process job to proc.Handle so the cancellation
// protocol treats it like any other process.
type localJob struct {
	id       uuid.UUID
	pid      int
	inflight *Inflight
}

func (l *localJob) PID() int { return l.pid }

func (l *localJob) Terminate() error {
	if !l.inflight.cancel(l.id) {
		return proc.ErrProcessGone
	}
	return nil
}

// ForceKill cannot stop a goroutine; it repeats the cancellation.
func (l *localJob) ForceKill() error {
	return l.Terminate()
}

func (l *localJob) Alive() bool {
	return l.inflight.Running(l.id)
}
