// Package workspace manages the on-disk layout that holds projects,
// datasets, runs and the database, and computes dataset fingerprints.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrIO wraps any filesystem failure while reading or writing workspace content.
var ErrIO = errors.New("workspace i/o error")

// Workspace is a root directory laid out as db/, projects/, cache/ and tmp/.
type Workspace struct {
	Root string
}

// Init creates the workspace directory structure under root.
func Init(root string) (*Workspace, error) {
	ws := &Workspace{Root: root}
	for _, dir := range []string{ws.DBDir(), ws.ProjectsDir(), ws.CacheDir(), ws.TmpDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create %s: %w", ErrIO, dir, err)
		}
	}
	return ws, nil
}

// Open returns the workspace at root, which must already exist.
func Open(root string) (*Workspace, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: open workspace: %w", ErrIO, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrIO, root)
	}
	return &Workspace{Root: root}, nil
}

func (w *Workspace) DBDir() string       { return filepath.Join(w.Root, "db") }
func (w *Workspace) SQLitePath() string  { return filepath.Join(w.DBDir(), "app.sqlite") }
func (w *Workspace) ProjectsDir() string { return filepath.Join(w.Root, "projects") }
func (w *Workspace) CacheDir() string    { return filepath.Join(w.Root, "cache") }
func (w *Workspace) TmpDir() string      { return filepath.Join(w.Root, "tmp") }

// ProjectDir returns the directory of a project.
func (w *Workspace) ProjectDir(projectID string) string {
	return filepath.Join(w.ProjectsDir(), projectID)
}

// InitProject creates datasets/, runs/, models/ and exports/ for a project.
func (w *Workspace) InitProject(projectID string) (string, error) {
	dir := w.ProjectDir(projectID)
	for _, sub := range []string{"datasets", "runs", "models", "exports"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("%w: init project %s: %w", ErrIO, projectID, err)
		}
	}
	return dir, nil
}

// RemoveProject deletes a project's directory tree. Referenced datasets
// outside the workspace are untouched.
func (w *Workspace) RemoveProject(projectID string) error {
	if projectID == "" || filepath.Base(projectID) != projectID {
		return fmt.Errorf("%w: invalid project id %q", ErrIO, projectID)
	}
	if err := os.RemoveAll(w.ProjectDir(projectID)); err != nil {
		return fmt.Errorf("%w: remove project %s: %w", ErrIO, projectID, err)
	}
	return nil
}

// DatasetDir returns the directory holding a dataset's manifest and copied files.
func (w *Workspace) DatasetDir(projectID, datasetID string) string {
	return filepath.Join(w.ProjectDir(projectID), "datasets", datasetID)
}

// DatasetRawDir is where copy-mode imports place the dataset files.
func (w *Workspace) DatasetRawDir(projectID, datasetID string) string {
	return filepath.Join(w.DatasetDir(projectID, datasetID), "raw")
}

// DatasetManifestPath is the dataset's manifest.json.
func (w *Workspace) DatasetManifestPath(projectID, datasetID string) string {
	return filepath.Join(w.DatasetDir(projectID, datasetID), "manifest.json")
}

// RunDir returns the directory of a run.
func (w *Workspace) RunDir(projectID, runID string) string {
	return filepath.Join(w.ProjectDir(projectID), "runs", runID)
}

// RunArtifactsDir is the trainer's output directory.
func (w *Workspace) RunArtifactsDir(projectID, runID string) string {
	return filepath.Join(w.RunDir(projectID, runID), "artifacts")
}

// RunConfigPath is the config.json handed to the trainer.
func (w *Workspace) RunConfigPath(projectID, runID string) string {
	return filepath.Join(w.RunDir(projectID, runID), "config.json")
}

// RunEventLogPath is the append-only log of every event of a run.
func (w *Workspace) RunEventLogPath(projectID, runID string) string {
	return filepath.Join(w.RunDir(projectID, runID), "events.jsonl")
}

// InitRun creates the run directory with artifacts/ and model/.
func (w *Workspace) InitRun(projectID, runID string) (string, error) {
	dir := w.RunDir(projectID, runID)
	for _, sub := range []string{"artifacts", "model"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("%w: init run %s: %w", ErrIO, runID, err)
		}
	}
	return dir, nil
}

// ModelDir returns the directory of a named model.
func (w *Workspace) ModelDir(projectID, modelName string) string {
	return filepath.Join(w.ProjectDir(projectID), "models", modelName)
}

// RequirementsPath is the project's optional requirements.txt.
func (w *Workspace) RequirementsPath(projectID string) string {
	return filepath.Join(w.ProjectDir(projectID), "requirements.txt")
}

// ScriptsDir is the project's optional scripts directory.
func (w *Workspace) ScriptsDir(projectID string) string {
	return filepath.Join(w.ProjectDir(projectID), "scripts")
}
