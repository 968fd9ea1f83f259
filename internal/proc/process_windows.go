//go:build windows

package proc

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

func SetProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

func KillGroup(cmd *exec.Cmd, _ time.Duration) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

// Windows has no SIGTERM; both requests end the process.
func sendSignal(pid int, sig signalKind) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("%w: pid %d", ErrProcessGone, pid)
	}
	if err := p.Kill(); err != nil {
		return fmt.Errorf("send %s to pid %d: %w", sig, pid, err)
	}
	return nil
}

func alive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
