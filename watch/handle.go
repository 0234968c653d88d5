package watch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/everydev1618/dcw/internal/atomicfile"
)

// ErrStopTimeout is returned by Stop when the watcher outlives the grace
// period. The handle is kept so a later Stop can retry.
var ErrStopTimeout = errors.New("watcher did not exit in time")

// Handle identifies a running watcher. Session distinguishes successive
// watchers that happen to reuse a PID.
type Handle struct {
	PID       int       `json:"pid"`
	Workspace string    `json:"workspace"`
	Session   string    `json:"session"`
	StartedAt time.Time `json:"started_at"`
}

// NewHandle describes the current process as the watcher for workspace.
func NewHandle(workspace string) Handle {
	return Handle{
		PID:       os.Getpid(),
		Workspace: workspace,
		Session:   uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
}

// WriteHandle persists h at path atomically.
func WriteHandle(path string, h Handle) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding watcher handle: %w", err)
	}
	if err := atomicfile.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing watcher handle: %w", err)
	}
	return nil
}

// ReadHandle loads the handle at path. A missing file is reported with an
// error wrapping os.ErrNotExist.
func ReadHandle(path string) (Handle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Handle{}, err
	}
	var h Handle
	if err := json.Unmarshal(data, &h); err != nil {
		return Handle{}, fmt.Errorf("decoding watcher handle %s: %w", path, err)
	}
	return h, nil
}

// ReleaseHandle removes the handle at path if it still belongs to session.
// A watcher calls it on exit; it leaves a successor's handle alone.
func ReleaseHandle(path, session string) error {
	h, err := ReadHandle(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if h.Session != session {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Stop terminates the watcher recorded at path and waits up to timeout for
// it to exit. It reports whether a live watcher was signalled.
//
// A missing, unreadable, or stale handle (no such process, or a process
// that is not a dcw watcher) is removed and Stop returns false with no
// error. The handle is removed only once the watcher is confirmed gone.
func Stop(path string, timeout time.Duration) (bool, error) {
	h, err := ReadHandle(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		os.Remove(path)
		return false, nil
	}

	if h.PID <= 0 || h.PID == os.Getpid() || !isWatcher(h.PID) {
		os.Remove(path)
		return false, nil
	}

	if err := terminate(h.PID); err != nil {
		if !processAlive(h.PID) {
			os.Remove(path)
			return false, nil
		}
		return false, fmt.Errorf("signalling watcher %d: %w", h.PID, err)
	}

	deadline := time.Now().Add(timeout)
	for processAlive(h.PID) {
		if time.Now().After(deadline) {
			return true, fmt.Errorf("%w: pid %d", ErrStopTimeout, h.PID)
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return true, fmt.Errorf("removing watcher handle: %w", err)
	}
	return true, nil
}
