// Package settings loads the per-user dcw settings file.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultRelayImage is the relay image used when none is configured.
const DefaultRelayImage = "alpine/socat"

// Settings is the content of config.yaml.
type Settings struct {
	RelayImage string `yaml:"relay_image"`
	DockerHost string `yaml:"docker_host"`
	Watch      Watch  `yaml:"watch"`
}

// Watch holds defaults for `dcw port watch`.
type Watch struct {
	Interval     time.Duration `yaml:"interval"`
	MinPort      uint16        `yaml:"min_port"`
	ExcludePorts []uint16      `yaml:"exclude_ports"`
	Concurrency  int           `yaml:"concurrency"`
}

// Default returns the settings used when no file exists.
func Default() Settings {
	return Settings{
		RelayImage: DefaultRelayImage,
		Watch: Watch{
			Interval:    2 * time.Second,
			MinPort:     1024,
			Concurrency: 4,
		},
	}
}

// Dir returns the dcw configuration directory.
// It defaults to <UserConfigDir>/dcw but can be overridden with DCW_CONFIG_DIR.
func Dir() string {
	if v := os.Getenv("DCW_CONFIG_DIR"); v != "" {
		return v
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "dcw")
}

// Path returns the settings file path.
func Path() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Load reads the settings file at Path.
func Load() (Settings, error) {
	return LoadFile(Path())
}

// LoadFile reads settings from path. A missing file yields Default; keys
// absent from the file keep their defaults.
func LoadFile(path string) (Settings, error) {
	s := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return s, fmt.Errorf("reading settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Default(), fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := s.validate(); err != nil {
		return Default(), fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func (s *Settings) validate() error {
	if s.RelayImage == "" {
		s.RelayImage = DefaultRelayImage
	}
	if s.Watch.Interval < 0 {
		return fmt.Errorf("watch.interval must not be negative")
	}
	if s.Watch.Concurrency < 0 {
		return fmt.Errorf("watch.concurrency must not be negative")
	}
	for _, p := range s.Watch.ExcludePorts {
		if p == 0 {
			return fmt.Errorf("watch.exclude_ports: port 0 is not valid")
		}
	}
	return nil
}
