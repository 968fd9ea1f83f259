// Package proc wraps the operating-system process calls used to supervise
// job processes. Nothing else in the module sends signals.
package proc

import (
	"errors"
	"fmt"
)

// ErrProcessGone reports that the target process no longer exists. Callers
// treat it as a successful termination.
var ErrProcessGone = errors.New("no such process")

// Handle is a live or formerly live process.
type Handle interface {
	PID() int
	// Terminate asks the process to exit (SIGTERM on unix).
	Terminate() error
	// ForceKill ends the process without cooperation (SIGKILL on unix).
	ForceKill() error
	Alive() bool
}

// Find returns a handle for pid without checking that it exists.
func Find(pid int) Handle {
	return &osProcess{pid: pid}
}

type osProcess struct {
	pid int
}

func (p *osProcess) PID() int { return p.pid }

func (p *osProcess) Terminate() error { return p.signal(termSignal) }

func (p *osProcess) ForceKill() error { return p.signal(killSignal) }

func (p *osProcess) Alive() bool {
	if p.pid <= 0 {
		return false
	}
	return alive(p.pid)
}

func (p *osProcess) signal(sig signalKind) error {
	if p.pid <= 0 {
		return fmt.Errorf("%w: invalid pid %d", ErrProcessGone, p.pid)
	}
	return sendSignal(p.pid, sig)
}

type signalKind int

const (
	termSignal signalKind = iota
	killSignal
)

func (s signalKind) String() string {
	if s == killSignal {
		return "SIGKILL"
	}
	return "SIGTERM"
}
