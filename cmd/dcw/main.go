// Package main provides the dcw CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/everydev1618/dcw/container"
	"github.com/everydev1618/dcw/internal/settings"
	"github.com/everydev1618/dcw/rules"
	"github.com/everydev1618/dcw/sidecar"
	"github.com/everydev1618/dcw/workspace"
)

var (
	version = "dev"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "up":
		upCmd(args)
	case "down":
		downCmd(args)
	case "exec":
		execCmd(args)
	case "port":
		portCmd(args)
	case "version":
		fmt.Printf("dcw %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`dcw - devcontainer workflow helper

Usage:
  dcw <command> [options]

Commands:
  up        Start the devcontainer and forward its ports
  down      Stop the port watcher, remove forwards, stop the devcontainer
  exec      Execute a command inside the devcontainer
  port      Manage port forwards (add, remove, list, watch)
  version   Print version information
  help      Show this help message

Examples:
  dcw up
  dcw exec -- go test ./...
  dcw port add 8080 3000
  dcw port list

Run 'dcw <command> --help' for more information on a command.`)
}

// fatal prints an error and exits.
func fatal(format string, a ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", a...)
	os.Exit(1)
}

// env is what most commands need: the workspace, user settings, and a
// connection to the container runtime.
type env struct {
	ws       workspace.Workspace
	settings settings.Settings
	docker   *container.Manager
	store    rules.Store
}

func openEnv() *env {
	ws, err := workspace.Current()
	if err != nil {
		fatal("%v", err)
	}
	s, err := settings.Load()
	if err != nil {
		fatal("%v", err)
	}
	if _, err := ws.EnsureRuntimeDir(); err != nil {
		fatal("%v", err)
	}

	var opts []container.ManagerOption
	if s.DockerHost != "" {
		opts = append(opts, container.WithHost(s.DockerHost))
	}
	docker, err := container.NewManager(opts...)
	if err != nil {
		fatal("%v", err)
	}

	store, err := rules.NewSQLiteStore(ws.RulesDBPath())
	if err != nil {
		docker.Close()
		fatal("%v", err)
	}

	return &env{ws: ws, settings: s, docker: docker, store: store}
}

func (e *env) Close() {
	e.store.Close()
	e.docker.Close()
}

// forwarder returns a relay manager targeting containerID, which may be
// empty for operations that only remove or list.
func (e *env) forwarder(containerID string) *sidecar.Manager {
	opts := []sidecar.Option{sidecar.WithImage(e.settings.RelayImage)}
	if containerID != "" {
		opts = append(opts, sidecar.WithTarget(containerID))
	}
	return sidecar.NewManager(e.docker, e.store, e.ws.ID, opts...)
}

// requireContainer returns the running devcontainer of the workspace.
func (e *env) requireContainer(ctx context.Context) string {
	id, err := e.docker.FindDevcontainer(ctx, e.ws.Folder)
	if err != nil {
		fatal("%v", err)
	}
	if id == "" {
		fatal("no running devcontainer found for %s", e.ws.Folder)
	}
	return id
}

// commandTimeout bounds one-shot commands that talk to the runtime.
const commandTimeout = 5 * time.Minute
