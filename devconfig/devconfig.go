package devconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"

	"github.com/everydev1618/dcw/internal/atomicfile"
)

// Well-known file names under <workspace>/.devcontainer.
const (
	Dir          = ".devcontainer"
	BaseFile     = "devcontainer.json"
	OverrideFile = "devcontainer.local.json"
	MergedFile   = "devcontainer.merged.json"
)

// Parse decodes a JSONC document. Numbers are kept as json.Number.
func Parse(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("parsing config: trailing data after document")
	}
	return doc, nil
}

// ReadJSONC reads and parses a JSONC file.
func ReadJSONC(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Resolve returns the configuration file the devcontainer CLI should use
// for workspaceRoot. Without a local override this is the base file and
// merged is false. With one, the override is merged onto the base and the
// result is written atomically to runtimeDir/devcontainer.merged.json, so
// `up` and every later `exec` see the same document.
func Resolve(workspaceRoot, runtimeDir string) (path string, merged bool, err error) {
	basePath := filepath.Join(workspaceRoot, Dir, BaseFile)
	overridePath := filepath.Join(workspaceRoot, Dir, OverrideFile)

	if _, err := os.Stat(overridePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return basePath, false, nil
		}
		return "", false, fmt.Errorf("checking %s: %w", overridePath, err)
	}

	base, err := ReadJSONC(basePath)
	if err != nil {
		return "", false, err
	}
	override, err := ReadJSONC(overridePath)
	if err != nil {
		return "", false, err
	}

	data, err := json.MarshalIndent(Merge(base, override), "", "  ")
	if err != nil {
		return "", false, fmt.Errorf("serializing merged config: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(runtimeDir, 0700); err != nil {
		return "", false, fmt.Errorf("creating runtime directory: %w", err)
	}
	mergedPath := filepath.Join(runtimeDir, MergedFile)
	if err := atomicfile.WriteFile(mergedPath, data, 0644); err != nil {
		return "", false, fmt.Errorf("writing merged config: %w", err)
	}
	return mergedPath, true, nil
}

// LoadForwardPorts resolves the effective configuration and returns its
// forwardPorts. A missing base configuration yields no ports. Bad
// elements are logged and skipped.
func LoadForwardPorts(workspaceRoot, runtimeDir string) ([]uint16, error) {
	path, _, err := Resolve(workspaceRoot, runtimeDir)
	if err != nil {
		return nil, err
	}
	doc, err := ReadJSONC(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	ports, err := ExtractForwardPorts(doc)
	if err != nil {
		slog.Warn("ignoring invalid forwardPorts entries", "config", path, "error", err)
	}
	return ports, nil
}
