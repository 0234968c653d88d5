package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/everydev1618/dcw/rules"
)

func portCmd(args []string) {
	if len(args) < 1 {
		printPortUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "add":
		portAddCmd(args[1:])
	case "remove", "rm":
		portRemoveCmd(args[1:])
	case "list", "ls":
		portListCmd(args[1:])
	case "watch":
		portWatchCmd(args[1:])
	case "help", "-h", "--help":
		printPortUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown port command: %s\n\n", args[0])
		printPortUsage()
		os.Exit(1)
	}
}

func printPortUsage() {
	fmt.Println(`Usage: dcw port <command> [options]

Commands:
  add <host-port> [container-port]   Forward 127.0.0.1:<host-port> to the devcontainer
  remove <host-port> | --all | --auto
                                     Remove port forwards
  list                               List active port forwards
  watch                              Forward listening ports as they appear`)
}

func portAddCmd(args []string) {
	fs := pflag.NewFlagSet("port add", pflag.ExitOnError)
	fs.Usage = func() {
		fmt.Println(`Usage: dcw port add <host-port> [container-port]

Forward a host port to a port of the devcontainer. The container port
defaults to the host port.`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		fs.Usage()
		os.Exit(1)
	}

	hostPort, err := parsePort(fs.Arg(0))
	if err != nil {
		fatal("%v", err)
	}
	containerPort := hostPort
	if fs.NArg() == 2 {
		if containerPort, err = parsePort(fs.Arg(1)); err != nil {
			fatal("%v", err)
		}
	}

	e := openEnv()
	defer e.Close()
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	id := e.requireContainer(ctx)
	fmt.Printf("Forwarding port %d -> %d...\n", hostPort, containerPort)
	rule, err := e.forwarder(id).Create(ctx, hostPort, containerPort, rules.Manual)
	if err != nil {
		fatal("%v", err)
	}
	fmt.Printf("Port forward active: 127.0.0.1:%d -> %d (%s)\n", rule.HostPort, rule.ContainerPort, rule.SidecarID)
}

func portRemoveCmd(args []string) {
	fs := pflag.NewFlagSet("port remove", pflag.ExitOnError)
	all := fs.Bool("all", false, "Remove all port forwards")
	auto := fs.Bool("auto", false, "Remove the forwards created by the port watcher")
	fs.Usage = func() {
		fmt.Println(`Usage: dcw port remove <host-port> | --all | --auto

Options:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	e := openEnv()
	defer e.Close()
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	mgr := e.forwarder("")

	switch {
	case *all:
		fmt.Println("Removing all port forwards...")
		if err := mgr.RemoveAll(ctx); err != nil {
			fatal("%v", err)
		}
		fmt.Println("All port forwards removed.")
	case *auto:
		fmt.Println("Removing watcher-managed port forwards...")
		if err := mgr.RemoveByOrigin(ctx, rules.AutoDetected); err != nil {
			fatal("%v", err)
		}
		fmt.Println("Done.")
	case fs.NArg() == 1:
		port, err := parsePort(fs.Arg(0))
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Removing port forward for %d...\n", port)
		if err := mgr.Remove(ctx, port); err != nil {
			fatal("%v", err)
		}
		fmt.Println("Port forward removed.")
	default:
		fatal("specify a port, --all, or --auto")
	}
}

func portListCmd(args []string) {
	fs := pflag.NewFlagSet("port list", pflag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	e := openEnv()
	defer e.Close()
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	mgr := e.forwarder("")
	if _, err := mgr.Reconcile(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	forwards, err := mgr.List(ctx)
	if err != nil {
		fatal("%v", err)
	}
	if len(forwards) == 0 {
		fmt.Println("No active port forwards.")
		return
	}
	fmt.Printf("%-40s %-6s %-9s %s\n", "SIDECAR", "HOST", "CONTAINER", "ORIGIN")
	for _, f := range forwards {
		fmt.Printf("%-40s %-6d %-9d %s\n", f.Name, f.HostPort, f.ContainerPort, f.Origin)
	}
}
