//go:build !windows

package proc

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// SetProcessGroup starts cmd as the leader of a new process group so the
// whole tree can be signalled at once.
func SetProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// KillGroup terminates the process group led by cmd: SIGTERM, a short grace,
// then SIGKILL.
func KillGroup(cmd *exec.Cmd, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	time.Sleep(grace)
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

func sendSignal(pid int, sig signalKind) error {
	target := pid
	// A job child leads its own group; signal the group so helpers it spawned go too.
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid == pid && pid != syscall.Getpgrp() {
		target = -pid
	}
	err := syscall.Kill(target, unixSignal(sig))
	if errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("%w: pid %d", ErrProcessGone, pid)
	}
	if err != nil {
		return fmt.Errorf("send %s to pid %d: %w", sig, pid, err)
	}
	return nil
}

func alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func unixSignal(sig signalKind) syscall.Signal {
	if sig == killSignal {
		return syscall.SIGKILL
	}
	return syscall.SIGTERM
}
