//go:build windows

package daemon

import (
	"os/exec"
	"strconv"
	"strings"
)

// pidAlive reports whether a process with the given PID exists.
func pidAlive(pid int) bool {
	// tasklist /FI "PID eq N" /FO CSV /NH
	// - Returns exit code 0 whether or not the process is found
	// - If found: outputs a CSV line containing the quoted PID
	pidStr := strconv.Itoa(pid)
	cmd := exec.Command("tasklist", "/FI", "PID eq "+pidStr, "/FO", "CSV", "/NH")
	output, err := cmd.Output()
	if err != nil {
		// tasklist failed - assume the process might exist to be safe
		return true
	}
	return strings.Contains(string(output), "\""+pidStr+"\"")
}
