// Package backend spawns external trainer processes, either directly on the
// host or inside a container, and exposes their output streams.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/fentz26/trainctl/internal/events"
)

var (
	// ErrSpawnFailed is returned when the trainer process cannot be started.
	ErrSpawnFailed = errors.New("spawn failed")
	// ErrTimeout is returned when a bounded phase (image pull) runs out of time.
	ErrTimeout = errors.New("timed out")
	// ErrDaemonUnavailable is returned when the container runtime is installed
	// but its daemon cannot be reached.
	ErrDaemonUnavailable = errors.New("container daemon unavailable")
	// ErrRuntimeNotFound is returned when no usable container runtime exists.
	ErrRuntimeNotFound = errors.New("container runtime not found")
	// ErrImageNotFound is returned when an image is still missing after a pull.
	ErrImageNotFound = errors.New("image not found")
	// ErrPullFailed is returned when the runtime fails to pull an image.
	ErrPullFailed = errors.New("image pull failed")
)

// Config describes one trainer invocation. Paths are host paths.
type Config struct {
	RunID      string
	ProjectID  string
	ConfigPath string
	OutputDir  string
	// DatasetDir is optional.
	DatasetDir string
	// Image is required by the container backend and ignored by the local one.
	Image string
	// RequirementsPath and ScriptsDir are mounted into containers when they exist.
	RequirementsPath string
	ScriptsDir       string
}

// Emitter receives progress events produced before the trainer itself runs,
// such as image pull output.
type Emitter func(events.Event)

// Backend starts trainer processes.
type Backend interface {
	// Name is the identifier used to select the backend.
	Name() string
	// Describe returns a human-readable rendering of the command Spawn would run.
	Describe(cfg Config) string
	// Spawn starts the trainer. The returned process is running; its lifetime
	// is controlled through Terminate, not ctx. ctx bounds only the preparation
	// work done before the trainer starts.
	Spawn(ctx context.Context, cfg Config, emit Emitter) (*Process, error)
}

// Process is a started trainer.
type Process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
	stop   func() error
	// cleanup runs after the process group is gone.
	cleanup func()

	once    sync.Once
	termErr error
}

func start(cmd *exec.Cmd, stop func() error) (*Process, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %w", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %w", ErrSpawnFailed, err)
	}
	configureProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %w", ErrSpawnFailed, cmd.Path, err)
	}
	return &Process{cmd: cmd, stdout: stdout, stderr: stderr, stop: stop}, nil
}

// Stdout returns the trainer's standard output.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// Stderr returns the trainer's standard error.
func (p *Process) Stderr() io.Reader {
	return p.stderr
}

// Pid returns the OS process id of the spawned command.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Wait blocks until the process exits. Callers must finish reading Stdout and
// Stderr first. A non-zero exit is reported through the exit code, not the
// error; the error is set only when the process could not be waited for.
func (p *Process) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("wait for %s: %w", p.cmd.Path, err)
}

// Terminate forcibly stops the process and everything it started, then
// closes the output streams so blocked readers return. Safe to call more
// than once.
func (p *Process) Terminate() error {
	p.once.Do(func() {
		if p.stop != nil {
			p.termErr = p.stop()
		}
		terminateProcessGroup(p.cmd)
		if p.cleanup != nil {
			p.cleanup()
		}
		_ = p.stdout.Close()
		_ = p.stderr.Close()
	})
	return p.termErr
}

// trainerArgs renders the trainer invocation contract.
func trainerArgs(runID, configPath, outputDir, datasetDir string) []string {
	args := []string{
		"--run-id", runID,
		"--config", configPath,
		"--output-dir", outputDir,
	}
	if datasetDir != "" {
		args = append(args, "--dataset", datasetDir)
	}
	return args
}

func describe(bin string, args []string) string {
	return strings.TrimSpace(bin + " " + strings.Join(args, " "))
}
