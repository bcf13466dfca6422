package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/fentz26/trainctl/internal/events"
)

// LocalName selects the local process backend.
const LocalName = "local"

// Local runs the trainer as a child process of the daemon.
type Local struct {
	// Interpreter overrides interpreter discovery when set.
	Interpreter           string
	InterpreterCandidates []string
	// Entrypoint is the trainer script passed to the interpreter.
	Entrypoint string
	// Env is appended to the daemon's environment.
	Env []string
	// Dir is the working directory; empty means the daemon's.
	Dir string

	logger *slog.Logger
}

// NewLocal creates a local backend running entrypoint with the first
// interpreter found.
func NewLocal(entrypoint string, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		InterpreterCandidates: DefaultInterpreterCandidates,
		Entrypoint:            entrypoint,
		logger:                logger,
	}
}

// Name returns the backend identifier.
func (l *Local) Name() string {
	return LocalName
}

// Describe renders the command line without resolving the interpreter.
func (l *Local) Describe(cfg Config) string {
	interp := l.Interpreter
	if interp == "" && len(l.InterpreterCandidates) > 0 {
		interp = l.InterpreterCandidates[0]
	}
	return describe(interp, l.args(cfg))
}

func (l *Local) args(cfg Config) []string {
	return append([]string{l.Entrypoint}, trainerArgs(cfg.RunID, cfg.ConfigPath, cfg.OutputDir, cfg.DatasetDir)...)
}

// Spawn starts the trainer in its own process group.
func (l *Local) Spawn(ctx context.Context, cfg Config, emit Emitter) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	if l.Entrypoint == "" {
		return nil, fmt.Errorf("%w: no trainer entrypoint configured", ErrSpawnFailed)
	}

	interp, err := resolveExecutable(l.Interpreter, l.InterpreterCandidates)
	if err != nil {
		return nil, fmt.Errorf("%w: python interpreter: %w", ErrSpawnFailed, err)
	}

	args := l.args(cfg)
	cmd := exec.Command(interp, args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Dir = l.Dir

	l.logger.Info("spawning local trainer", "run_id", cfg.RunID, "interpreter", interp, "entrypoint", l.Entrypoint)
	if emit != nil {
		emit(events.NewLogf(events.LevelInfo, "Starting trainer: %s", describe(interp, args)))
	}
	return start(cmd, nil)
}
