//go:build !windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// IsAlive checks if a process with the given PID is still running.
// On Unix, we send signal 0 to check if the process exists.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means process exists but we don't have permission to signal it
	// ESRCH means no such process
	return errors.Is(err, unix.EPERM)
}

// terminate sends SIGTERM.
func terminate(p *os.Process) error {
	return p.Signal(unix.SIGTERM)
}

// exitSignal returns the name of the signal that killed the process, if any.
func exitSignal(ps *os.ProcessState) string {
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return ""
	}
	if name := unix.SignalName(ws.Signal()); name != "" {
		return name
	}
	return ws.Signal().String()
}

// detach puts cmd in its own session so it outlives the invoking terminal.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
