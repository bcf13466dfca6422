// Package recorder persists run events: status transitions, metrics,
// artifacts and devices go to the store, and every event is appended to the
// run's events.jsonl.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/trainctl/internal/backend"
	"github.com/fentz26/trainctl/internal/bus"
	"github.com/fentz26/trainctl/internal/events"
	"github.com/fentz26/trainctl/internal/models"
	"github.com/fentz26/trainctl/internal/store"
	"github.com/fentz26/trainctl/internal/workspace"
	"golang.org/x/sync/errgroup"
)

const (
	// mirrorTimeout bounds one artifact upload.
	mirrorTimeout = 5 * time.Minute
	// mirrorWorkers caps concurrent uploads.
	mirrorWorkers = 4
)

// ArtifactSink receives a copy of every artifact file a run reports.
type ArtifactSink interface {
	Put(ctx context.Context, runID, localPath string) (string, error)
}

// Recorder writes bus events for every run to durable storage.
type Recorder struct {
	store  *store.Store
	ws     *workspace.Workspace
	sink   ArtifactSink
	logger *slog.Logger

	mu       sync.Mutex
	projects map[string]string
	logs     map[string]*os.File

	// Uploads run off the event loop. queued tracks uploads waiting for
	// a worker slot so WaitUploads sees them too.
	uploads       errgroup.Group
	queued        sync.WaitGroup
	uploadCtx     context.Context
	cancelUploads context.CancelFunc
}

// New creates a recorder. sink may be nil.
func New(st *store.Store, ws *workspace.Workspace, sink ArtifactSink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:    st,
		ws:       ws,
		sink:     sink,
		logger:   logger.With("component", "recorder"),
		projects: make(map[string]string),
		logs:     make(map[string]*os.File),
	}
	r.uploads.SetLimit(mirrorWorkers)
	r.uploadCtx, r.cancelUploads = context.WithCancel(context.Background())
	return r
}

// Run records every event published on b until ctx is done or the bus closes.
func (r *Recorder) Run(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("")
	defer sub.Close()
	defer r.closeLogs()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := r.Record(ctx, env); err != nil {
				r.logger.Warn("record event", "run_id", env.RunID, "type", env.Event.Kind(), "error", err)
			}
		}
	}
}

// Record persists one envelope. Events of runs unknown to the store are ignored.
func (r *Recorder) Record(ctx context.Context, env events.Envelope) error {
	projectID, err := r.projectOf(env.RunID)
	if err != nil {
		return err
	}
	if projectID == "" {
		return nil
	}

	if err := r.appendLog(projectID, env); err != nil {
		return err
	}

	switch ev := env.Event.(type) {
	case events.Status:
		// Trainers may report their own status; only the supervisor's is authoritative.
		if env.Source != events.SourceSupervisor {
			return nil
		}
		if err := r.store.UpdateRunStatus(env.RunID, runStatus(ev.State), ev.ErrorMessage()); err != nil {
			return err
		}
		if ev.Terminal() {
			r.finish(env.RunID)
		}
	case events.Metric:
		return r.store.AddMetric(models.Metric{RunID: env.RunID, Step: ev.Step, Key: ev.Key, Value: ev.Value, TS: ev.TS})
	case events.Device:
		return r.store.SetRunDevice(env.RunID, ev.Name)
	case events.Artifact:
		return r.recordArtifact(projectID, env.RunID, ev)
	}
	return nil
}

func (r *Recorder) recordArtifact(projectID, runID string, ev events.Artifact) error {
	path := r.hostPath(projectID, runID, ev.Path)
	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	} else {
		r.logger.Debug("artifact not readable on host", "run_id", runID, "path", path, "error", err)
	}

	if _, err := r.store.AddArtifact(runID, ev.ArtifactKind, path, ev.SHA256, size); err != nil {
		return err
	}

	if r.sink == nil || size == 0 {
		return nil
	}
	r.mirror(runID, path)
	return nil
}

// mirror uploads an artifact in the background. A full worker pool delays
// the upload, never the event loop.
func (r *Recorder) mirror(runID, path string) {
	r.queued.Add(1)
	go func() {
		defer r.queued.Done()
		r.uploads.Go(func() error {
			mctx, cancel := context.WithTimeout(r.uploadCtx, mirrorTimeout)
			defer cancel()
			key, err := r.sink.Put(mctx, runID, path)
			if err != nil {
				r.logger.Warn("mirror artifact", "run_id", runID, "path", path, "error", err)
				return nil
			}
			r.logger.Info("artifact mirrored", "run_id", runID, "key", key)
			return nil
		})
	}()
}

// WaitUploads blocks until pending artifact uploads finish. When ctx ends
// first, the remaining uploads are cancelled and awaited.
func (r *Recorder) WaitUploads(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.queued.Wait()
		r.uploads.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.cancelUploads()
		<-done
		return ctx.Err()
	}
}

// hostPath maps a path reported by the trainer to the host filesystem.
// Container paths under the output mount and relative paths resolve into the
// run's artifacts directory.
func (r *Recorder) hostPath(projectID, runID, reported string) string {
	outDir := r.ws.RunArtifactsDir(projectID, runID)
	switch {
	case reported == backend.ContainerOutputDir:
		return outDir
	case strings.HasPrefix(reported, backend.ContainerOutputDir+"/"):
		return filepath.Join(outDir, filepath.FromSlash(strings.TrimPrefix(reported, backend.ContainerOutputDir+"/")))
	case !filepath.IsAbs(reported):
		return filepath.Join(outDir, filepath.FromSlash(reported))
	}
	return reported
}

func (r *Recorder) projectOf(runID string) (string, error) {
	r.mu.Lock()
	pid, ok := r.projects[runID]
	r.mu.Unlock()
	if ok {
		return pid, nil
	}

	run, err := r.store.GetRun(runID)
	if err != nil {
		return "", err
	}
	if run == nil {
		return "", nil
	}

	r.mu.Lock()
	r.projects[runID] = run.ProjectID
	r.mu.Unlock()
	return run.ProjectID, nil
}

func (r *Recorder) appendLog(projectID string, env events.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f := r.logs[env.RunID]
	if f == nil {
		path := r.ws.RunEventLogPath(projectID, env.RunID)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create run dir: %w", err)
		}
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		r.logs[env.RunID] = f
	}

	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write event log: %w", err)
	}
	return nil
}

// finish releases per-run state after the terminal status.
func (r *Recorder) finish(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f := r.logs[runID]; f != nil {
		f.Close()
		delete(r.logs, runID)
	}
	delete(r.projects, runID)
}

func (r *Recorder) closeLogs() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, f := range r.logs {
		f.Close()
		delete(r.logs, id)
	}
}

func runStatus(state string) models.RunStatus {
	switch state {
	case events.StateRunning:
		return models.RunStatusRunning
	case events.StateSucceeded:
		return models.RunStatusSucceeded
	case events.StateFailed:
		return models.RunStatusFailed
	case events.StateCancelled:
		return models.RunStatusCancelled
	}
	return models.RunStatusPending
}
