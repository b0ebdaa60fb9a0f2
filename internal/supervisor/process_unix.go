//go:build !windows

package supervisor

import (
	"errors"
	"os"
	"syscall"
)

// isProcessAlive reports whether a process with the given PID exists.
// Signal 0 probes without delivering anything.
func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// FindProcess always succeeds on Unix, so the signal is the real probe.
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM: the process exists but belongs to another user.
	// ESRCH: no such process.
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPERM
	}
	return false
}
