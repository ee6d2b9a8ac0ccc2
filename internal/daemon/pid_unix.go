//go:build !windows

package daemon

import (
	"errors"
	"os"
	"syscall"
)

// pidAlive reports whether a process with the given PID exists.
func pidAlive(pid int) bool {
	// os.FindProcess on Unix never returns an error, it always succeeds
	process, _ := os.FindProcess(pid)

	if err := process.Signal(syscall.Signal(0)); err != nil {
		// EPERM means the process exists but belongs to another user.
		return errors.Is(err, syscall.EPERM)
	}
	return true
}
