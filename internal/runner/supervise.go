package runner

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fentz26/trainctl/internal/backend"
	"github.com/fentz26/trainctl/internal/events"
)

// maxLineBytes bounds a single trainer output line.
const maxLineBytes = 1 << 20

type handle struct {
	runID     string
	projectID string
	backend   string
	startedAt time.Time
	cancel    *Canceller
	done      chan struct{}

	mu    sync.Mutex
	state State
	proc  *backend.Process
}

func newHandle(req StartRequest, c *Canceller) *handle {
	return &handle{
		runID:     req.RunID,
		projectID: req.ProjectID,
		backend:   req.Backend,
		startedAt: time.Now().UTC(),
		cancel:    c,
		done:      make(chan struct{}),
		state:     StatePending,
	}
}

func (h *handle) info() RunInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	info := RunInfo{
		RunID:     h.runID,
		ProjectID: h.projectID,
		Backend:   h.backend,
		State:     h.state,
		StartedAt: h.startedAt,
	}
	if h.proc != nil {
		info.Pid = h.proc.Pid()
	}
	return info
}

func (h *handle) currentState() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *handle) process() *backend.Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.proc
}

// attach records the spawned process and marks the run Running. It reports
// false if the run was cancelled first, in which case the caller must
// terminate the process itself.
func (h *handle) attach(p *backend.Process) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.proc = p
	if h.cancel.Fired() {
		return false
	}
	h.state = StateRunning
	return true
}

// supervise drives one run from spawn to its terminal status.
func (r *Registry) supervise(h *handle, be backend.Backend, cfg backend.Config) {
	defer r.wg.Done()
	defer h.cancel.release()

	emit := func(ev events.Event) {
		r.publish(h.runID, events.SourceSupervisor, ev)
	}

	proc, err := be.Spawn(h.cancel.Context(), cfg, emit)
	if err != nil {
		r.finish(h, -1, err)
		return
	}

	if !h.attach(proc) {
		_ = proc.Terminate()
	} else {
		r.logger.Info("run started", "run_id", h.runID, "backend", be.Name(), "pid", proc.Pid())
		emit(events.NewStatus(events.StateRunning, ""))
	}

	var g errgroup.Group
	g.Go(func() error {
		return r.pump(h, proc.Stdout(), events.SourceStdout, events.DecodeLine)
	})
	g.Go(func() error {
		return r.pump(h, proc.Stderr(), events.SourceStderr, events.DecodeStderrLine)
	})
	_ = g.Wait()

	code, waitErr := proc.Wait()
	if waitErr != nil {
		waitErr = fmt.Errorf("%w: %w", backend.ErrSpawnFailed, waitErr)
	}
	r.finish(h, code, waitErr)
}

// pump decodes one output stream line by line until EOF or cancellation.
// After cancellation remaining output is abandoned, not drained.
func (r *Registry) pump(h *handle, rd io.Reader, src events.Source, decode func(string) (events.Event, bool)) error {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		if h.cancel.Fired() {
			return nil
		}
		if ev, ok := decode(sc.Text()); ok {
			r.publish(h.runID, src, ev)
		}
	}

	err := sc.Err()
	if err == nil || h.cancel.Fired() {
		return nil
	}
	r.logger.Warn("trainer output read failed", "run_id", h.runID, "stream", src, "error", err)
	if errors.Is(err, bufio.ErrTooLong) {
		r.publish(h.runID, events.SourceSupervisor,
			events.NewLogf(events.LevelWarn, "%s line exceeded %d bytes, rest of stream discarded", src, maxLineBytes))
		// Keep the pipe flowing so the trainer cannot block on a full buffer.
		_, _ = io.Copy(io.Discard, rd)
	}
	return nil
}

// finish publishes the terminal status and retires the handle. The decision
// is made under the registry lock, so a cancellation that won the lock first
// always yields CANCELLED.
func (r *Registry) finish(h *handle, code int, runErr error) {
	r.mu.Lock()

	var status events.Status
	var state State
	switch {
	case h.cancel.Fired():
		state = StateCancelled
		status = events.NewStatus(events.StateCancelled, "")
	case runErr != nil:
		state = StateFailed
		status = events.NewStatus(events.StateFailed, runErr.Error())
	case code != 0:
		state = StateFailed
		status = events.NewStatus(events.StateFailed, fmt.Sprintf("trainer exited with code %d", code))
	default:
		state = StateSucceeded
		status = events.NewStatus(events.StateSucceeded, "")
	}

	h.mu.Lock()
	h.state = state
	h.mu.Unlock()

	if r.runs[h.runID] == h {
		delete(r.runs, h.runID)
	}
	if r.retiring[h.runID] == h {
		delete(r.retiring, h.runID)
	}

	r.publish(h.runID, events.SourceSupervisor, status)
	r.bus.CloseRun(h.runID)
	r.mu.Unlock()

	close(h.done)
	r.logger.Info("run finished", "run_id", h.runID, "state", state, "exit_code", code, "error", status.ErrorMessage())
}
