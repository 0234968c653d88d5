package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/everydev1618/dcw/devconfig"
	"github.com/everydev1618/dcw/workspace"
)

// execCmd runs a command inside the devcontainer through the devcontainer
// CLI, using the same merged configuration as `dcw up`.
func execCmd(args []string) {
	fs := pflag.NewFlagSet("exec", pflag.ExitOnError)
	fs.SetInterspersed(false)

	fs.Usage = func() {
		fmt.Println(`Usage: dcw exec [--] <command> [args...]

Execute a command inside the devcontainer. The exit status of the command
is passed through.

Examples:
  dcw exec bash
  dcw exec -- go test ./...`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Error: no command specified")
		fs.Usage()
		os.Exit(1)
	}

	ws, err := workspace.Current()
	if err != nil {
		fatal("%v", err)
	}
	configPath, merged, err := devconfig.Resolve(ws.Folder, ws.RuntimeDir())
	if err != nil {
		fatal("%v", err)
	}
	if !merged {
		configPath = ""
	}

	code, err := runDevcontainer(devcontainerArgs("exec", ws.Folder, configPath, fs.Args()))
	if err != nil {
		fatal("%v", err)
	}
	os.Exit(code)
}
