package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/trainctl/internal/backend"
	"github.com/fentz26/trainctl/internal/bus"
	"github.com/fentz26/trainctl/internal/events"
)

func newTestRegistry(t *testing.T, script string) (*Registry, *bus.Bus) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake trainer requires /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "trainer.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	local := backend.NewLocal(path, nil)
	local.Interpreter = "/bin/sh"

	b := bus.New(0)
	r := New(b, nil, local)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r, b
}

func startReq(runID string) StartRequest {
	return StartRequest{
		RunID:     runID,
		ProjectID: "proj",
		Backend:   backend.LocalName,
		Config:    backend.Config{ConfigPath: "config.json", OutputDir: "out"},
	}
}

// collect reads a run subscription until the run closes.
func collect(t *testing.T, sub *bus.Subscription) []events.Envelope {
	t.Helper()
	var out []events.Envelope
	timeout := time.After(10 * time.Second)
	for {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, env)
		case <-timeout:
			t.Fatalf("timed out collecting events, got %d so far", len(out))
		}
	}
}

func terminal(t *testing.T, envs []events.Envelope) events.Status {
	t.Helper()
	if len(envs) == 0 {
		t.Fatal("no events received")
	}
	st, ok := envs[len(envs)-1].Event.(events.Status)
	if !ok || !st.Terminal() {
		t.Fatalf("last event is not a terminal status: %+v", envs[len(envs)-1])
	}
	return st
}

func waitForState(t *testing.T, r *Registry, runID string, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st, err := r.Status(runID); err == nil && st == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, err := r.Status(runID)
	t.Fatalf("run %s never reached %s (state %s, err %v)", runID, want, st, err)
}

func TestStartRunSucceeded(t *testing.T) {
	r, b := newTestRegistry(t, `echo '{"type":"metric","key":"loss","value":0.5,"step":1,"ts":"t"}'
echo 'plain output'
exit 0
`)
	sub := b.Subscribe("run-ok")
	defer sub.Close()

	if err := r.StartRun(context.Background(), startReq("run-ok")); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	envs := collect(t, sub)

	if st := terminal(t, envs); st.State != events.StateSucceeded {
		t.Errorf("Expected SUCCEEDED, got %s (%s)", st.State, st.ErrorMessage())
	}

	var sawRunning, sawMetric, sawPlain bool
	for i, env := range envs {
		if env.Seq != uint64(i+1) {
			t.Errorf("Expected seq %d, got %d", i+1, env.Seq)
		}
		switch ev := env.Event.(type) {
		case events.Status:
			if ev.State == events.StateRunning {
				sawRunning = true
			}
		case events.Metric:
			sawMetric = ev.Key == "loss" && ev.Value == 0.5 && env.Source == events.SourceStdout
		case events.Log:
			if ev.Message == "plain output" && ev.Level == events.LevelInfo {
				sawPlain = true
			}
		}
	}
	if !sawRunning || !sawMetric || !sawPlain {
		t.Errorf("Missing events (running=%v metric=%v plain=%v): %+v", sawRunning, sawMetric, sawPlain, envs)
	}
	if r.IsRunning("run-ok") {
		t.Error("Finished run should not be active")
	}
}

func TestStartRunNonZeroExit(t *testing.T) {
	r, b := newTestRegistry(t, `echo "boom" >&2
exit 3
`)
	sub := b.Subscribe("run-fail")
	defer sub.Close()

	if err := r.StartRun(context.Background(), startReq("run-fail")); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	envs := collect(t, sub)

	st := terminal(t, envs)
	if st.State != events.StateFailed || !strings.Contains(st.ErrorMessage(), "code 3") {
		t.Errorf("Expected FAILED with exit code, got %+v", st)
	}

	var sawStderr bool
	for _, env := range envs {
		if l, ok := env.Event.(events.Log); ok && l.Message == "boom" {
			sawStderr = l.Level == events.LevelError && env.Source == events.SourceStderr
		}
	}
	if !sawStderr {
		t.Error("Expected stderr line as ERROR log")
	}
}

func TestStartRunSpawnFailure(t *testing.T) {
	r, b := newTestRegistry(t, "exit 0\n")
	local, _ := r.Backend(backend.LocalName)
	local.(*backend.Local).Interpreter = filepath.Join(t.TempDir(), "no-python")

	sub := b.Subscribe("run-nospawn")
	defer sub.Close()

	if err := r.StartRun(context.Background(), startReq("run-nospawn")); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	st := terminal(t, collect(t, sub))
	if st.State != events.StateFailed || !strings.Contains(st.ErrorMessage(), backend.ErrSpawnFailed.Error()) {
		t.Errorf("Expected spawn failure, got %+v", st)
	}
}

func TestStartRunDuplicate(t *testing.T) {
	r, _ := newTestRegistry(t, "sleep 30\n")

	if err := r.StartRun(context.Background(), startReq("dup")); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	err := r.StartRun(context.Background(), startReq("dup"))
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Expected ErrAlreadyRunning, got %v", err)
	}
	if !r.IsRunning("dup") {
		t.Error("Original run should still be active")
	}
	if err := r.CancelRun("dup"); err != nil {
		t.Fatalf("CancelRun failed: %v", err)
	}
}

func TestStartRunValidation(t *testing.T) {
	r, _ := newTestRegistry(t, "exit 0\n")

	tests := []struct {
		name string
		req  StartRequest
		want error
	}{
		{"empty id", startReq(""), ErrInvalidRunID},
		{"shell metacharacters", startReq("run;rm -rf /"), ErrInvalidRunID},
		{"too long", startReq(strings.Repeat("a", 129)), ErrInvalidRunID},
		{"unknown backend", StartRequest{RunID: "ok", Backend: "slurm"}, ErrUnknownBackend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.StartRun(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCancelRunNotFound(t *testing.T) {
	r, _ := newTestRegistry(t, "exit 0\n")
	if err := r.CancelRun("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCancelRun(t *testing.T) {
	r, b := newTestRegistry(t, `echo '{"type":"progress","current":1,"total":100,"ts":"t"}'
sleep 30
`)
	sub := b.Subscribe("run-cancel")
	defer sub.Close()

	if err := r.StartRun(context.Background(), startReq("run-cancel")); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	waitForState(t, r, "run-cancel", StateRunning)

	start := time.Now()
	if err := r.CancelRun("run-cancel"); err != nil {
		t.Fatalf("CancelRun failed: %v", err)
	}
	if r.IsRunning("run-cancel") {
		t.Error("Cancelled run should be removed immediately")
	}
	if err := r.CancelRun("run-cancel"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Second cancel: expected ErrNotFound, got %v", err)
	}

	st := terminal(t, collect(t, sub))
	if st.State != events.StateCancelled {
		t.Errorf("Expected CANCELLED, got %s", st.State)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Cancellation took too long: %s", elapsed)
	}
}

func TestCancelledRunIDNotReusableUntilRetired(t *testing.T) {
	r, _ := newTestRegistry(t, "sleep 30\n")
	h := newHandle(startReq("retiring"), NewCanceller(context.Background()))

	r.mu.Lock()
	r.runs["retiring"] = h
	r.wg.Add(1)
	r.mu.Unlock()

	if err := r.CancelRun("retiring"); err != nil {
		t.Fatalf("CancelRun failed: %v", err)
	}
	if err := r.StartRun(context.Background(), startReq("retiring")); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning while retiring, got %v", err)
	}

	r.finish(h, 0, nil)
	r.wg.Done()
	if st := h.currentState(); st != StateCancelled {
		t.Errorf("Expected cancelled, got %s", st)
	}
	if _, err := r.Status("retiring"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Retired run should be gone, got %v", err)
	}
}

func TestCancelWinsOverCleanExit(t *testing.T) {
	r, b := newTestRegistry(t, "exit 0\n")
	h := newHandle(startReq("race"), NewCanceller(context.Background()))
	sub := b.Subscribe("race")
	defer sub.Close()

	r.mu.Lock()
	r.runs["race"] = h
	r.mu.Unlock()

	// Cancellation lands after the process exited 0 but before the
	// supervisor retired the handle.
	if err := r.CancelRun("race"); err != nil {
		t.Fatalf("CancelRun failed: %v", err)
	}
	r.finish(h, 0, nil)

	if st := terminal(t, collect(t, sub)); st.State != events.StateCancelled {
		t.Errorf("Expected CANCELLED, got %s", st.State)
	}
}

func TestCancelExitRaceIsConsistent(t *testing.T) {
	r, b := newTestRegistry(t, "exit 0\n")

	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("race-%d", i)
		sub := b.Subscribe(id)
		if err := r.StartRun(context.Background(), startReq(id)); err != nil {
			t.Fatalf("StartRun failed: %v", err)
		}
		cancelErr := r.CancelRun(id)
		st := terminal(t, collect(t, sub))
		sub.Close()

		switch {
		case cancelErr == nil && st.State != events.StateCancelled:
			t.Errorf("%s: cancel accepted but terminal state is %s", id, st.State)
		case errors.Is(cancelErr, ErrNotFound) && st.State != events.StateSucceeded:
			t.Errorf("%s: cancel rejected but terminal state is %s", id, st.State)
		case cancelErr != nil && !errors.Is(cancelErr, ErrNotFound):
			t.Errorf("%s: unexpected cancel error %v", id, cancelErr)
		}
	}
}

func TestListActiveAndShutdown(t *testing.T) {
	r, _ := newTestRegistry(t, "sleep 30\n")

	for _, id := range []string{"b-run", "a-run"} {
		if err := r.StartRun(context.Background(), startReq(id)); err != nil {
			t.Fatalf("StartRun failed: %v", err)
		}
	}
	waitForState(t, r, "a-run", StateRunning)
	waitForState(t, r, "b-run", StateRunning)

	active := r.ListActive()
	if len(active) != 2 || active[0].RunID != "a-run" || active[1].RunID != "b-run" {
		t.Fatalf("Unexpected active list: %+v", active)
	}
	if active[0].Pid == 0 {
		t.Error("Expected pid for running run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if n := len(r.ListActive()); n != 0 {
		t.Errorf("Expected no active runs after shutdown, got %d", n)
	}
}

func TestWait(t *testing.T) {
	r, _ := newTestRegistry(t, "sleep 30\n")
	if err := r.StartRun(context.Background(), startReq("waiter")); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := r.Wait(ctx, "waiter"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline, got %v", err)
	}

	type result struct {
		st  State
		err error
	}
	res := make(chan result, 1)
	go func() {
		st, err := r.Wait(context.Background(), "waiter")
		res <- result{st, err}
	}()
	time.Sleep(50 * time.Millisecond)
	if err := r.CancelRun("waiter"); err != nil {
		t.Fatalf("CancelRun failed: %v", err)
	}

	select {
	case got := <-res:
		if got.err != nil {
			t.Fatalf("Wait failed: %v", got.err)
		}
		if got.st != StateCancelled {
			t.Errorf("Expected cancelled, got %s", got.st)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Wait did not return after cancel")
	}
}
