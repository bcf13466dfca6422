package config

import (
	"fmt"
	"os"
	"time"
)

// Environment variables overriding the config file.
const (
	EnvWorkspace   = "TRAINCTL_WORKSPACE"
	EnvListen      = "TRAINCTL_LISTEN"
	EnvLogLevel    = "TRAINCTL_LOG_LEVEL"
	EnvDocker      = "TRAINCTL_DOCKER"
	EnvPullTimeout = "TRAINCTL_PULL_TIMEOUT"
)

// ApplyEnv overrides cfg fields from the environment.
func ApplyEnv(cfg *Config) error {
	cfg.Workspace = envString(EnvWorkspace, cfg.Workspace)
	cfg.Listen = envString(EnvListen, cfg.Listen)
	cfg.LogLevel = envString(EnvLogLevel, cfg.LogLevel)
	cfg.Docker.Runtime = envString(EnvDocker, cfg.Docker.Runtime)

	d, err := envDuration(EnvPullTimeout, cfg.Docker.PullTimeout)
	if err != nil {
		return err
	}
	cfg.Docker.PullTimeout = d
	return nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return d, nil
	}
	return def, nil
}
