//go:build !unix

package watch

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("stopping a watcher is not supported on this platform")

func terminate(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := p.Kill(); err != nil {
		return errors.Join(errUnsupported, err)
	}
	return nil
}

func processAlive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}

func isWatcher(pid int) bool { return processAlive(pid) }
