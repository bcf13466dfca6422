package controlplane

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fentz26/trainctl/internal/audit"
	"github.com/fentz26/trainctl/internal/bus"
	"github.com/fentz26/trainctl/internal/logging"
	"github.com/fentz26/trainctl/internal/models"
	"github.com/fentz26/trainctl/internal/runner"
	"github.com/fentz26/trainctl/internal/store"
	"github.com/fentz26/trainctl/internal/workspace"
)

func newTestService(t *testing.T, logBuf *bytes.Buffer) (*Service, *store.Store) {
	t.Helper()
	ws, err := workspace.Init(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatalf("workspace.Init failed: %v", err)
	}
	st, err := store.New(ws.SQLitePath())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	logger := logging.New("debug", "text", logBuf)
	b := bus.New(0)
	t.Cleanup(b.Close)
	return NewService(st, ws, runner.New(b, logger), b, audit.NewTrail(st), logger), st
}

func TestMarkStartFailed(t *testing.T) {
	var logs bytes.Buffer
	svc, st := newTestService(t, &logs)

	if _, err := st.CreateRun(models.Run{ID: "r1", ProjectID: "p1"}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	svc.markStartFailed("r1", errors.New("spawn refused"))

	run, err := st.GetRun("r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != models.RunStatusFailed || run.ErrorSummary != "spawn refused" {
		t.Errorf("Expected failed run with summary, got %+v", run)
	}
	if strings.Contains(logs.String(), "failed to mark run failed") {
		t.Errorf("Unexpected warning: %s", logs.String())
	}
}

func TestMarkStartFailedLogsStoreError(t *testing.T) {
	var logs bytes.Buffer
	svc, st := newTestService(t, &logs)

	st.Close()
	svc.markStartFailed("r1", errors.New("spawn refused"))

	out := logs.String()
	if !strings.Contains(out, "failed to mark run failed") || !strings.Contains(out, "run_id=r1") {
		t.Errorf("Expected store error to be logged, got %q", out)
	}
}
