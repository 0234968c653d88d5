package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/pflag"

	"github.com/everydev1618/dcw/devconfig"
	"github.com/everydev1618/dcw/rules"
	"github.com/everydev1618/dcw/watch"
	"github.com/everydev1618/dcw/workspace"
)

const (
	// watcherStopTimeout is how long a previous watcher gets to exit.
	watcherStopTimeout = 5 * time.Second
	// handleWaitTimeout is how long up waits for a new watcher to register.
	handleWaitTimeout = 3 * time.Second
)

// upCmd starts the devcontainer, forwards its declared ports, and starts
// the port watcher.
func upCmd(args []string) {
	fs := pflag.NewFlagSet("up", pflag.ExitOnError)
	rebuild := fs.Bool("rebuild", false, "Remove the existing container and rebuild")
	autoForward := fs.Bool("auto-forward", true, "Forward the ports listed in forwardPorts after start")
	watchPorts := fs.Bool("watch", true, "Watch for new listening ports and forward them")

	fs.Usage = func() {
		fmt.Println(`Usage: dcw up [options] [-- devcontainer-up-args...]

Start the devcontainer for the current directory. When
.devcontainer/devcontainer.local.json exists it is merged over
devcontainer.json and the merged file is used.

Options:`)
		fs.PrintDefaults()
		fmt.Println(`
Examples:
  dcw up
  dcw up --rebuild
  dcw up --watch=false -- --build-no-cache`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	e := openEnv()
	defer e.Close()

	configPath, merged, err := devconfig.Resolve(e.ws.Folder, e.ws.RuntimeDir())
	if err != nil {
		fatal("%v", err)
	}
	if !merged {
		configPath = ""
	} else {
		fmt.Printf("Using merged configuration %s\n", configPath)
	}

	var extra []string
	if *rebuild {
		extra = append(extra, "--remove-existing-container")
	}
	extra = append(extra, fs.Args()...)

	fmt.Println("Starting devcontainer...")
	code, err := runDevcontainer(devcontainerArgs("up", e.ws.Folder, configPath, extra))
	if err != nil {
		fatal("%v", err)
	}
	if code != 0 {
		fatal("devcontainer up exited with status %d", code)
	}
	fmt.Println("Devcontainer is running.")

	if *autoForward {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		forwardDeclared(ctx, e)
		cancel()
	}

	if *watchPorts {
		pid, err := startWatcher(e.ws)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Port watcher started (pid %d).\n", pid)
	}
}

// forwardDeclared forwards each forwardPorts entry to the same port on the
// host. Individual failures are reported and skipped.
func forwardDeclared(ctx context.Context, e *env) {
	ports, err := devconfig.LoadForwardPorts(e.ws.Folder, e.ws.RuntimeDir())
	if err != nil {
		fatal("%v", err)
	}
	if len(ports) == 0 {
		fmt.Println("No forwardPorts configured.")
		return
	}

	containerID := e.requireContainer(ctx)
	mgr := e.forwarder(containerID)

	fmt.Printf("Auto-forwarding ports: %v\n", ports)
	for _, port := range ports {
		if _, err := mgr.Create(ctx, port, port, rules.Manual); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to forward port %d: %v\n", port, err)
			continue
		}
		fmt.Printf("  Forwarded port %d -> %d\n", port, port)
	}
}

// stopWatcher stops the workspace's watcher if one is running.
func stopWatcher(ws workspace.Workspace) {
	stopped, err := watch.Stop(ws.HandlePath(), watcherStopTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		return
	}
	if stopped {
		fmt.Println("Stopped port watcher.")
	}
}

// startWatcher replaces any running watcher with a detached
// `dcw port watch` and waits for it to register its handle.
func startWatcher(ws workspace.Workspace) (int, error) {
	stopWatcher(ws)

	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to get current executable path: %w", err)
	}

	cmd := exec.Command(exe, "port", "watch", "--log-file", ws.LogPath())
	cmd.Dir = ws.Folder
	cmd.SysProcAttr = detachedProcAttr()
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to spawn port watcher: %w", err)
	}
	pid := cmd.Process.Pid
	cmd.Process.Release()

	if err := waitForHandle(ws.HandlePath(), pid, handleWaitTimeout); err != nil {
		return pid, fmt.Errorf("port watcher (pid %d) did not start, see %s: %w", pid, ws.LogPath(), err)
	}
	return pid, nil
}

// waitForHandle polls until the handle at path names pid.
func waitForHandle(path string, pid int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		h, err := watch.ReadHandle(path)
		if err == nil && h.PID == pid {
			return nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if time.Now().After(deadline) {
			return errors.New("timed out waiting for watcher handle")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
