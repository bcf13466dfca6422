// Package config loads the trainctl configuration from ~/.trainctl/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/trainctl/internal/objectstore"
	"github.com/fentz26/trainctl/internal/runner"
	"gopkg.in/yaml.v3"
)

// DefaultListen is the control plane's default address.
const DefaultListen = "127.0.0.1:7478"

// Config holds daemon and CLI configuration.
type Config struct {
	// Workspace is the root directory of projects, datasets and the database.
	Workspace string `yaml:"workspace"`
	// Listen is the control plane address.
	Listen string `yaml:"listen"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// LogFormat is text or json.
	LogFormat string `yaml:"log_format"`
	// EventBacklog is the number of events replayed to late subscribers of a run.
	EventBacklog int `yaml:"event_backlog"`

	Trainer     TrainerConfig      `yaml:"trainer"`
	Docker      DockerConfig       `yaml:"docker"`
	// Limits is an optional admission policy; zero values leave runs unlimited.
	Limits      runner.Limits      `yaml:"limits"`
	ObjectStore objectstore.Config `yaml:"objectstore"`
}

// TrainerConfig locates the trainer script.
type TrainerConfig struct {
	Entrypoint string `yaml:"entrypoint"`
	// Interpreter overrides python discovery for the local backend.
	Interpreter string `yaml:"interpreter,omitempty"`
}

// DockerConfig tunes the container backend.
type DockerConfig struct {
	// Runtime overrides docker discovery.
	Runtime     string        `yaml:"runtime,omitempty"`
	Memory      string        `yaml:"memory"`
	CPUs        string        `yaml:"cpus"`
	StopTimeout int           `yaml:"stop_timeout"`
	PullTimeout time.Duration `yaml:"pull_timeout"`
	NamePrefix  string        `yaml:"name_prefix"`
	// GPU is auto, on or off.
	GPU string `yaml:"gpu"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Workspace:    defaultWorkspace(),
		Listen:       DefaultListen,
		LogLevel:     "info",
		LogFormat:    "text",
		EventBacklog: 256,
		Trainer: TrainerConfig{
			Entrypoint: "runner.py",
		},
		Docker: DockerConfig{
			Memory:      "4g",
			CPUs:        "2.0",
			StopTimeout: 30,
			PullTimeout: 10 * time.Minute,
			NamePrefix:  "trainctl-train-",
			GPU:         "auto",
		},
		ObjectStore: objectstore.DefaultConfig(),
	}
}

// Dir returns ~/.trainctl.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".trainctl"
	}
	return filepath.Join(home, ".trainctl")
}

// DefaultPath returns ~/.trainctl/config.yaml.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

func defaultWorkspace() string {
	return filepath.Join(Dir(), "workspace")
}

// Load reads configuration from path, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path, creating parent directories if needed.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Workspace) == "" {
		return fmt.Errorf("workspace is required")
	}
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("listen address is required")
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q, must be: debug, info, warn, or error", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q, must be: text or json", c.LogFormat)
	}

	if c.EventBacklog < 1 {
		return fmt.Errorf("event_backlog must be at least 1")
	}
	if c.Docker.StopTimeout < 0 {
		return fmt.Errorf("docker.stop_timeout must not be negative")
	}
	if c.Docker.PullTimeout <= 0 {
		return fmt.Errorf("docker.pull_timeout must be positive")
	}
	switch c.Docker.GPU {
	case "auto", "on", "off":
	default:
		return fmt.Errorf("invalid docker.gpu %q, must be: auto, on, or off", c.Docker.GPU)
	}

	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	if err := c.ObjectStore.Validate(); err != nil {
		return fmt.Errorf("objectstore: %w", err)
	}
	return nil
}

// EntrypointPath resolves the trainer entrypoint. Relative paths are taken
// relative to the workspace.
func (c *Config) EntrypointPath() string {
	if c.Trainer.Entrypoint == "" || filepath.IsAbs(c.Trainer.Entrypoint) {
		return c.Trainer.Entrypoint
	}
	return filepath.Join(c.Workspace, c.Trainer.Entrypoint)
}
