//go:build windows

package supervisor

import (
	"golang.org/x/sys/windows"
)

// isProcessAlive reports whether a process with the given PID exists,
// using the cheapest access right that lets us read its exit code.
func isProcessAlive(pid int) bool {
	const PROCESS_QUERY_LIMITED_INFORMATION = 0x1000

	handle, err := windows.OpenProcess(PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}

	// STILL_ACTIVE
	return exitCode == 259
}
