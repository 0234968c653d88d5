package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

// downCmd stops the watcher, removes every forward, and stops the
// devcontainer. It succeeds when the container is already gone.
func downCmd(args []string) {
	fs := pflag.NewFlagSet("down", pflag.ExitOnError)
	keep := fs.Bool("keep-container", false, "Remove forwards but leave the devcontainer running")

	fs.Usage = func() {
		fmt.Println(`Usage: dcw down [options]

Stop the port watcher, remove all port forwards of this workspace, and
stop the devcontainer.

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

	stopWatcher(e.ws)

	fmt.Println("Removing port forwards...")
	removeErr := e.forwarder("").RemoveAll(ctx)
	if removeErr != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", removeErr)
	}

	if !*keep {
		id, err := e.docker.FindDevcontainer(ctx, e.ws.Folder)
		if err != nil {
			fatal("%v", err)
		}
		if id == "" {
			fmt.Println("No running devcontainer found (already stopped).")
		} else {
			fmt.Printf("Stopping container %s...\n", shortID(id))
			if err := e.docker.StopContainer(ctx, id); err != nil {
				fatal("failed to stop container: %v", err)
			}
			fmt.Println("Devcontainer stopped.")
		}
	}

	if removeErr != nil {
		fatal("some port forwards could not be removed")
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
