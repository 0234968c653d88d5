package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/everydev1618/dcw/procnet"
	"github.com/everydev1618/dcw/rules"
	"github.com/everydev1618/dcw/sidecar"
	"github.com/everydev1618/dcw/watch"
)

// portWatchCmd runs the port watcher in the foreground. `dcw up` starts it
// detached with --log-file.
func portWatchCmd(args []string) {
	fs := pflag.NewFlagSet("port watch", pflag.ExitOnError)
	interval := fs.Duration("interval", 0, "Polling interval (default from settings, 2s)")
	minPort := fs.Uint16("min-port", 0, "Ignore ports below this (default from settings, 1024)")
	exclude := fs.UintSlice("exclude", nil, "Ports never forwarded (comma separated)")
	concurrency := fs.Int("concurrency", 0, "Forwards created or removed in parallel per tick")
	logFile := fs.String("log-file", "", "Append logs to this file instead of stderr")
	verbose := fs.BoolP("verbose", "v", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Println(`Usage: dcw port watch [options]

Poll the devcontainer's listening TCP ports and keep one forward per port.
Forwards are left in place when the watcher exits; 'dcw down' or
'dcw port remove --auto' removes them.

Options:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	var out io.Writer = os.Stderr
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			fatal("failed to open log file: %v", err)
		}
		defer f.Close()
		out = f
	}
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	e := openEnv()
	defer e.Close()

	cfg := watch.Config{
		Interval:    e.settings.Watch.Interval,
		MinPort:     e.settings.Watch.MinPort,
		Exclude:     e.settings.Watch.ExcludePorts,
		Concurrency: e.settings.Watch.Concurrency,
	}
	if *interval > 0 {
		cfg.Interval = *interval
	}
	if fs.Changed("min-port") {
		cfg.MinPort = *minPort
	}
	for _, p := range *exclude {
		if p == 0 || p > 65535 {
			fatal("invalid port %d in --exclude", p)
		}
		cfg.Exclude = append(cfg.Exclude, uint16(p))
	}
	if *concurrency > 0 {
		cfg.Concurrency = *concurrency
	}

	if err := runWatch(e, cfg, logger); err != nil {
		logger.Error("port watch failed", "error", err)
		os.Exit(1)
	}
}

func runWatch(e *env, cfg watch.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	setupCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	containerID, err := e.docker.FindDevcontainer(setupCtx, e.ws.Folder)
	if err != nil {
		return err
	}
	if containerID == "" {
		return fmt.Errorf("no running devcontainer found for %s", e.ws.Folder)
	}

	// Replace an older watcher of this workspace before claiming the handle.
	if stopped, err := watch.Stop(e.ws.HandlePath(), watcherStopTimeout); err != nil {
		return err
	} else if stopped {
		logger.Info("stopped previous port watcher")
	}
	handle := watch.NewHandle(e.ws.ID)
	if err := watch.WriteHandle(e.ws.HandlePath(), handle); err != nil {
		return err
	}
	defer func() {
		if err := watch.ReleaseHandle(e.ws.HandlePath(), handle.Session); err != nil {
			logger.Warn("failed to release watcher handle", "error", err)
		}
	}()

	mgr := e.forwarder(containerID)
	if dropped, err := mgr.Reconcile(setupCtx); err != nil {
		logger.Warn("failed to reconcile forward rules", "error", err)
	} else if len(dropped) > 0 {
		logger.Info("dropped rules of missing relays", "host_ports", dropped)
	}
	seed, manual, err := existingForwards(setupCtx, mgr)
	if err != nil {
		return err
	}
	cfg.Seed = seed
	cfg.Exclude = append(cfg.Exclude, manual...)
	cfg.Alive = func(ctx context.Context) (bool, error) {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return e.docker.IsRunning(ctx, containerID)
	}

	logger.Info("watching devcontainer", "workspace", e.ws.ID, "container", shortID(containerID),
		"session", handle.Session, "pid", handle.PID)

	scanner := &procnet.Scanner{Exec: e.docker, ContainerID: containerID}
	return watch.NewLoop(scanner, mgr, cfg, watch.WithLogger(logger)).Run(ctx)
}

// existingForwards splits the workspace's live forwards into watcher-owned
// ports, which seed the loop, and the ports of manual forwards. Both sides
// of a manual forward are excluded: relay names derive from the container
// port, so the watcher would otherwise replace it.
func existingForwards(ctx context.Context, mgr *sidecar.Manager) (seed, manual []uint16, err error) {
	forwards, err := mgr.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, f := range forwards {
		switch {
		case f.Origin == rules.AutoDetected && f.HostPort == f.ContainerPort:
			seed = append(seed, f.HostPort)
		case f.HostPort != 0:
			manual = append(manual, f.HostPort, f.ContainerPort)
		}
	}
	return seed, manual, nil
}
