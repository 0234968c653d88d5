// Package workspace derives the identifiers and runtime paths that scope
// forward rules, relays, and watcher state to one development environment.
package workspace

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

const (
	handleFile  = "watch.json"
	logFile     = "watch.log"
	rulesDBFile = "rules.db"
)

// Workspace identifies one development environment instance.
type Workspace struct {
	ID     string // dev-<basename>-<hash8>
	Folder string // absolute host path of the workspace folder
}

// Current returns the workspace for the current working directory.
func Current() (Workspace, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Workspace{}, fmt.Errorf("failed to get current directory: %w", err)
	}
	return New(cwd)
}

// New returns the workspace rooted at folder.
func New(folder string) (Workspace, error) {
	abs, err := filepath.Abs(folder)
	if err != nil {
		return Workspace{}, fmt.Errorf("failed to resolve workspace folder: %w", err)
	}
	id, err := ID(abs)
	if err != nil {
		return Workspace{}, err
	}
	return Workspace{ID: id, Folder: abs}, nil
}

// ID returns "dev-<basename>-<hash8>". The hash covers the full path so
// folders sharing a basename get distinct identifiers.
func ID(folder string) (string, error) {
	base := filepath.Base(folder)
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "", fmt.Errorf("workspace folder %q has no basename", folder)
	}
	return "dev-" + base + "-" + pathHash(folder), nil
}

func pathHash(path string) string {
	sum := blake3.Sum256([]byte(path))
	return hex.EncodeToString(sum[:4])
}

// RuntimeDir returns $XDG_RUNTIME_DIR/dcw/<id>, falling back to
// /tmp/dcw-<uid>/<id> when XDG_RUNTIME_DIR is unset.
func (w Workspace) RuntimeDir() string {
	if base := os.Getenv("XDG_RUNTIME_DIR"); base != "" {
		return filepath.Join(base, "dcw", w.ID)
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("dcw-%d", os.Getuid()), w.ID)
}

// EnsureRuntimeDir creates the runtime directory if needed.
func (w Workspace) EnsureRuntimeDir() (string, error) {
	dir := w.RuntimeDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create runtime directory: %w", err)
	}
	return dir, nil
}

func (w Workspace) HandlePath() string  { return filepath.Join(w.RuntimeDir(), handleFile) }
func (w Workspace) LogPath() string     { return filepath.Join(w.RuntimeDir(), logFile) }
func (w Workspace) RulesDBPath() string { return filepath.Join(w.RuntimeDir(), rulesDBFile) }
