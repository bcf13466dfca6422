// Package runner owns active training runs: it starts trainers through a
// backend, supervises them and publishes their events on the bus.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/trainctl/internal/backend"
	"github.com/fentz26/trainctl/internal/bus"
	"github.com/fentz26/trainctl/internal/events"
)

var (
	// ErrAlreadyRunning is returned when a run id is already registered.
	ErrAlreadyRunning = errors.New("run already active")
	// ErrNotFound is returned for a run id that is not active.
	ErrNotFound = errors.New("run not found")
	// ErrInvalidRunID is returned for ids outside [A-Za-z0-9._-]{1,128}.
	ErrInvalidRunID = errors.New("invalid run id")
	// ErrUnknownBackend is returned when no backend has the requested name.
	ErrUnknownBackend = errors.New("unknown backend")
)

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidRunID reports whether id may be used as a run id. Run ids end up in
// container names and trainer command lines.
func ValidRunID(id string) bool {
	return runIDPattern.MatchString(id)
}

// State is the lifecycle state of a run.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// StartRequest asks the registry to start a run.
type StartRequest struct {
	RunID     string
	ProjectID string
	Backend   string
	Config    backend.Config
}

// RunInfo is a point-in-time view of an active run.
type RunInfo struct {
	RunID     string    `json:"run_id"`
	ProjectID string    `json:"project_id"`
	Backend   string    `json:"backend"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Pid       int       `json:"pid,omitempty"`
}

// Registry tracks active runs. A run id can be registered at most once at a time.
type Registry struct {
	mu sync.RWMutex
	// runs holds active runs; retiring holds cancelled runs whose supervisor
	// has not finished yet, so their id cannot be reused early.
	runs     map[string]*handle
	retiring map[string]*handle

	backends map[string]backend.Backend
	limits   Limits
	bus      *bus.Bus
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// New creates a registry publishing to b and able to start runs on backends.
func New(b *bus.Bus, logger *slog.Logger, backends ...backend.Backend) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		runs:     make(map[string]*handle),
		retiring: make(map[string]*handle),
		backends: make(map[string]backend.Backend),
		bus:      b,
		logger:   logger,
	}
	for _, be := range backends {
		r.backends[be.Name()] = be
	}
	return r
}

// Backends returns the names of the registered backends, sorted.
func (r *Registry) Backends() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Backend returns the backend registered under name.
func (r *Registry) Backend(name string) (backend.Backend, error) {
	be, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return be, nil
}

// StartRun registers the run and starts supervising it in the background.
// It returns once the run is registered; the trainer is spawned
// asynchronously and the run becomes Running when the process exists.
// The run outlives ctx; use CancelRun to stop it.
func (r *Registry) StartRun(ctx context.Context, req StartRequest) error {
	if !ValidRunID(req.RunID) {
		return fmt.Errorf("%w: %q", ErrInvalidRunID, req.RunID)
	}
	be, err := r.Backend(req.Backend)
	if err != nil {
		return err
	}

	cfg := req.Config
	cfg.RunID = req.RunID
	if cfg.ProjectID == "" {
		cfg.ProjectID = req.ProjectID
	}

	r.mu.Lock()
	if _, ok := r.runs[req.RunID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, req.RunID)
	}
	if _, ok := r.retiring[req.RunID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is still shutting down", ErrAlreadyRunning, req.RunID)
	}
	if err := r.admitLocked(req.Backend); err != nil {
		r.mu.Unlock()
		return err
	}
	h := newHandle(req, NewCanceller(context.WithoutCancel(ctx)))
	r.runs[req.RunID] = h
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info("run registered", "run_id", req.RunID, "project_id", req.ProjectID, "backend", req.Backend)
	go r.supervise(h, be, cfg)
	return nil
}

// CancelRun signals cancellation, forcibly terminates the trainer and removes
// the run from the active set. The terminal CANCELLED status is published
// by the run's supervisor once the process is gone.
func (r *Registry) CancelRun(runID string) error {
	r.mu.Lock()
	h, ok := r.runs[runID]
	if !ok || !h.cancel.Signal() {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	delete(r.runs, runID)
	r.retiring[runID] = h
	r.mu.Unlock()

	r.logger.Info("cancelling run", "run_id", runID)
	if proc := h.process(); proc != nil {
		if err := proc.Terminate(); err != nil {
			r.logger.Warn("terminate failed", "run_id", runID, "error", err)
		}
	}
	return nil
}

// IsRunning reports whether the run is active.
func (r *Registry) IsRunning(runID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.runs[runID]
	return ok
}

// ListActive returns the active runs ordered by id.
func (r *Registry) ListActive() []RunInfo {
	r.mu.RLock()
	infos := make([]RunInfo, 0, len(r.runs))
	for _, h := range r.runs {
		infos = append(infos, h.info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].RunID < infos[j].RunID })
	return infos
}

// Status returns the state of an active or still-retiring run.
func (r *Registry) Status(runID string) (State, error) {
	h := r.lookup(runID)
	if h == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return h.currentState(), nil
}

// Wait blocks until the run's supervisor has published its terminal status
// and returns that state.
func (r *Registry) Wait(ctx context.Context, runID string) (State, error) {
	h := r.lookup(runID)
	if h == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	select {
	case <-h.done:
		return h.currentState(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Shutdown cancels every active run and waits for their supervisors.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if err := r.CancelRun(id); err != nil && !errors.Is(err, ErrNotFound) {
			r.logger.Warn("cancel during shutdown failed", "run_id", id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for runs to stop: %w", ctx.Err())
	}
}

func (r *Registry) lookup(runID string) *handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.runs[runID]; ok {
		return h
	}
	return r.retiring[runID]
}

func (r *Registry) publish(runID string, src events.Source, ev events.Event) {
	r.bus.Publish(events.Envelope{RunID: runID, Source: src, Event: ev})
}
