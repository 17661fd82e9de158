//go:build windows

package storage

import "os"

// pidAlive reports whether a process with the given pid exists. On Windows
// FindProcess opens a real handle, so an error means the process is gone.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
