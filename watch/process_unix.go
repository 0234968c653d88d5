//go:build unix

package watch

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// processName is the executable name a watcher's argv[0] must carry.
var processName = executableName()

func executableName() string {
	exe, err := os.Executable()
	if err != nil {
		return filepath.Base(os.Args[0])
	}
	return filepath.Base(exe)
}

func terminate(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}

func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// isWatcher reports whether pid is alive and, where /proc is available,
// runs the dcw executable. Without /proc liveness alone is used.
func isWatcher(pid int) bool {
	if !processAlive(pid) {
		return false
	}
	cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		if _, statErr := os.Stat("/proc/self"); statErr != nil {
			return true
		}
		return false
	}
	return matchesCmdline(cmdline, processName)
}

// matchesCmdline checks the NUL-separated argv in cmdline against name.
func matchesCmdline(cmdline []byte, name string) bool {
	argv0, _, _ := bytes.Cut(cmdline, []byte{0})
	if len(argv0) == 0 {
		return false
	}
	return filepath.Base(string(argv0)) == name
}
