package backend

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultInterpreterCandidates are tried, in order, when no interpreter is configured.
var DefaultInterpreterCandidates = []string{
	"python3",
	"python",
	"/usr/bin/python3",
	"/usr/local/bin/python3",
	"/opt/homebrew/bin/python3",
}

// DefaultRuntimeCandidates are tried, in order, when no container runtime is
// configured. Desktop installs often leave docker off the daemon's PATH, so
// well-known locations come before the PATH lookup.
var DefaultRuntimeCandidates = []string{
	"/usr/local/bin/docker",
	"/opt/homebrew/bin/docker",
	"/Applications/Docker.app/Contents/Resources/bin/docker",
	"/usr/bin/docker",
	"docker",
}

// gpuRuntimes indicate that containers can be given GPU access.
var gpuRuntimes = []string{"nvidia-docker", "nvidia-container-runtime"}

// resolveExecutable returns the configured executable if set, otherwise the
// first candidate that exists. Absolute candidates are checked on disk; bare
// names are looked up on PATH.
func resolveExecutable(configured string, candidates []string) (string, error) {
	if configured != "" {
		path, err := exec.LookPath(configured)
		if err != nil {
			return "", fmt.Errorf("%s: %w", configured, err)
		}
		return path, nil
	}

	for _, c := range candidates {
		if filepath.IsAbs(c) {
			if isExecutable(c) {
				return c, nil
			}
			continue
		}
		if path, err := exec.LookPath(c); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("none of [%s] found", strings.Join(candidates, ", "))
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// DetectGPURuntime reports whether a GPU-capable container runtime is on PATH.
func DetectGPURuntime() bool {
	for _, name := range gpuRuntimes {
		if _, err := exec.LookPath(name); err == nil {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
