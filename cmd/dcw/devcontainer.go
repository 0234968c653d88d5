package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// devcontainerArgs builds the argument list for a devcontainer CLI
// subcommand. configPath is passed only when non-empty.
func devcontainerArgs(sub, workspaceFolder, configPath string, extra []string) []string {
	args := []string{sub, "--workspace-folder", workspaceFolder}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	return append(args, extra...)
}

// runDevcontainer runs the devcontainer CLI attached to our stdio and
// returns its exit code.
func runDevcontainer(args []string) (int, error) {
	cmd := exec.Command("devcontainer", args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, fmt.Errorf("failed to run devcontainer %s (is the devcontainer CLI installed?): %w", args[0], err)
	}
	return 0, nil
}

// parsePort parses a TCP port argument in 1..65535.
func parsePort(s string) (uint16, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil || p == 0 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(p), nil
}
