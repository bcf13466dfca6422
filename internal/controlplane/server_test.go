package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/trainctl/internal/audit"
	"github.com/fentz26/trainctl/internal/backend"
	"github.com/fentz26/trainctl/internal/bus"
	"github.com/fentz26/trainctl/internal/logging"
	"github.com/fentz26/trainctl/internal/models"
	"github.com/fentz26/trainctl/internal/recorder"
	"github.com/fentz26/trainctl/internal/runner"
	"github.com/fentz26/trainctl/internal/store"
	"github.com/fentz26/trainctl/internal/workspace"
)

const quickTrainer = `echo '{"type":"metric","key":"loss","value":0.5,"step":1,"ts":"2024-01-01T00:00:00Z"}'
echo "plain output"
exit 0
`

const slowTrainer = `sleep 30 &
wait
`

type testEnv struct {
	server   *Server
	store    *store.Store
	registry *runner.Registry
	http     *httptest.Server
}

func newTestServer(t *testing.T, script string) *testEnv {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake trainer requires /bin/sh")
	}

	ws, err := workspace.Init(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatalf("workspace.Init failed: %v", err)
	}
	st, err := store.New(ws.SQLitePath())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	trainer := filepath.Join(t.TempDir(), "trainer.sh")
	if err := os.WriteFile(trainer, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	logger := logging.Discard()
	local := backend.NewLocal(trainer, logger)
	local.Interpreter = "/bin/sh"

	b := bus.New(0)
	reg := runner.New(b, logger, local, backend.NewContainer(trainer, logger))

	ctx, cancel := context.WithCancel(context.Background())
	recDone := make(chan struct{})
	rec := recorder.New(st, ws, nil, logger)
	go func() {
		rec.Run(ctx, b)
		close(recDone)
	}()

	service := NewService(st, ws, reg, b, audit.NewTrail(st), logger)
	server := NewServer(service, "127.0.0.1:0", logger)
	ts := httptest.NewServer(server.Router())

	t.Cleanup(func() {
		ts.Close()
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		reg.Shutdown(sctx)
		cancel()
		<-recDone
		b.Close()
		st.Close()
	})
	return &testEnv{server: server, store: st, registry: reg, http: ts}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	resp, err := e.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func (e *testEnv) createProject(t *testing.T) *models.Project {
	t.Helper()
	var p models.Project
	if code := e.do(t, http.MethodPost, "/projects", createProjectRequest{Name: "mnist"}, &p); code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", code)
	}
	return &p
}

func (e *testEnv) waitForStatus(t *testing.T, runID string, want models.RunStatus) *models.Run {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		var run models.Run
		e.do(t, http.MethodGet, "/runs/"+runID, nil, &run)
		if run.Status == want {
			return &run
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s: expected %s, got %s", runID, want, run.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestHealthEndpoint_OK(t *testing.T) {
	env := newTestServer(t, quickTrainer)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.server.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !health.OK || health.DB != "ok" {
		t.Errorf("Expected healthy response, got %+v", health)
	}
	if len(health.Backends) != 2 {
		t.Errorf("Expected 2 backends, got %v", health.Backends)
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	env := newTestServer(t, quickTrainer)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	env.server.handleHealth(w, req)

	if w.Result().StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Result().StatusCode)
	}
}

func TestHealthEndpoint_DBError(t *testing.T) {
	env := newTestServer(t, quickTrainer)
	env.store.Close()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.server.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if health.OK {
		t.Error("Expected health.OK to be false when DB is down")
	}
}

func TestProjects(t *testing.T) {
	env := newTestServer(t, quickTrainer)

	p := env.createProject(t)
	if p.RootPath == "" {
		t.Error("Expected project root path to be set")
	}
	if _, err := os.Stat(filepath.Join(p.RootPath, "datasets")); err != nil {
		t.Errorf("Project layout not created: %v", err)
	}

	var list []models.Project
	env.do(t, http.MethodGet, "/projects", nil, &list)
	if len(list) != 1 {
		t.Errorf("Expected 1 project, got %d", len(list))
	}

	if code := env.do(t, http.MethodGet, "/projects/missing", nil, nil); code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", code)
	}
	if code := env.do(t, http.MethodPost, "/projects", createProjectRequest{}, nil); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty name, got %d", code)
	}
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	env := newTestServer(t, quickTrainer)
	p := env.createProject(t)

	var run models.Run
	code := env.do(t, http.MethodPost, "/runs", StartRunRequest{ProjectID: p.ID, Config: map[string]any{"epochs": 1}}, &run)
	if code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", code)
	}
	if run.Backend != backend.LocalName {
		t.Errorf("Expected local backend, got %s", run.Backend)
	}

	resp, err := env.http.Client().Get(env.http.URL + "/runs/" + run.ID + "/events")
	if err != nil {
		t.Fatalf("GET events failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read events failed: %v", err)
	}
	stream := string(body)
	for _, want := range []string{"event: metric", "plain output", `"state":"SUCCEEDED"`, "event: end"} {
		if !strings.Contains(stream, want) {
			t.Errorf("Event stream missing %q:\n%s", want, stream)
		}
	}

	done := env.waitForStatus(t, run.ID, models.RunStatusSucceeded)
	if done.EndedAt == nil {
		t.Error("Expected ended_at to be set")
	}

	var metrics []models.Metric
	env.do(t, http.MethodGet, "/runs/"+run.ID+"/metrics?key=loss", nil, &metrics)
	if len(metrics) != 1 || metrics[0].Value != 0.5 {
		t.Errorf("Unexpected metrics %+v", metrics)
	}

	cfg, err := os.ReadFile(done.ConfigPath)
	if err != nil || !strings.Contains(string(cfg), `"epochs": 1`) {
		t.Errorf("config.json not written: %v %s", err, cfg)
	}
}

func TestStartRunErrors(t *testing.T) {
	env := newTestServer(t, slowTrainer)
	p := env.createProject(t)

	if code := env.do(t, http.MethodPost, "/runs", StartRunRequest{ProjectID: p.ID, RunID: "dup"}, nil); code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", code)
	}

	tests := []struct {
		name string
		req  StartRunRequest
		want int
	}{
		{"duplicate id", StartRunRequest{ProjectID: p.ID, RunID: "dup"}, http.StatusConflict},
		{"unknown project", StartRunRequest{ProjectID: "nope"}, http.StatusNotFound},
		{"unknown backend", StartRunRequest{ProjectID: p.ID, Backend: "slurm"}, http.StatusBadRequest},
		{"invalid run id", StartRunRequest{ProjectID: p.ID, RunID: "a b"}, http.StatusBadRequest},
		{"docker without image", StartRunRequest{ProjectID: p.ID, Config: map[string]any{"method": "docker"}}, http.StatusBadRequest},
		{"unknown dataset", StartRunRequest{ProjectID: p.ID, DatasetID: "ghost"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := env.do(t, http.MethodPost, "/runs", tt.req, nil); code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, code)
			}
		})
	}

	var active []runner.RunInfo
	env.do(t, http.MethodGet, "/runs/active", nil, &active)
	if len(active) != 1 || active[0].RunID != "dup" {
		t.Errorf("Expected dup to be active, got %+v", active)
	}

	if code := env.do(t, http.MethodPost, "/runs/dup/cancel", nil, nil); code != http.StatusOK {
		t.Errorf("Expected 200 on cancel, got %d", code)
	}
	if code := env.do(t, http.MethodPost, "/runs/dup/cancel", nil, nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 on second cancel, got %d", code)
	}
	env.waitForStatus(t, "dup", models.RunStatusCancelled)
}

func TestStartRunAtCapacity(t *testing.T) {
	env := newTestServer(t, slowTrainer)
	env.registry.SetLimits(runner.Limits{GlobalMax: 1})
	p := env.createProject(t)

	if code := env.do(t, http.MethodPost, "/runs", StartRunRequest{ProjectID: p.ID, RunID: "first"}, nil); code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", code)
	}
	if code := env.do(t, http.MethodPost, "/runs", StartRunRequest{ProjectID: p.ID, RunID: "second"}, nil); code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", code)
	}

	run, err := env.store.GetRun("second")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run != nil {
		t.Errorf("Rejected run should not be recorded, got %+v", run)
	}
}

func TestSelectBackend(t *testing.T) {
	tests := []struct {
		name        string
		req         StartRunRequest
		wantBackend string
		wantImage   string
	}{
		{"default", StartRunRequest{}, backend.LocalName, ""},
		{"explicit", StartRunRequest{Backend: "docker", Image: "python:3.11"}, "docker", "python:3.11"},
		{"from config", StartRunRequest{Config: map[string]any{"method": "docker", "docker_image": "pytorch/pytorch"}}, "docker", "pytorch/pytorch"},
		{"config local", StartRunRequest{Config: map[string]any{"method": "local"}}, backend.LocalName, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			be, img := selectBackend(tt.req)
			if be != tt.wantBackend || img != tt.wantImage {
				t.Errorf("Expected (%s, %s), got (%s, %s)", tt.wantBackend, tt.wantImage, be, img)
			}
		})
	}
}

func TestDatasetImportAndRun(t *testing.T) {
	env := newTestServer(t, `test -f "$8/train.csv" || exit 4
exit 0
`)
	p := env.createProject(t)

	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "train.csv"), []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var d models.Dataset
	code := env.do(t, http.MethodPost, "/projects/"+p.ID+"/datasets", ImportDatasetRequest{SourcePath: src}, &d)
	if code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", code)
	}
	if d.StorageMode != "copy" || d.FileCount != 1 || len(d.Fingerprint) != 64 {
		t.Errorf("Unexpected dataset %+v", d)
	}

	if code := env.do(t, http.MethodPost, "/projects/"+p.ID+"/datasets", ImportDatasetRequest{SourcePath: src, StorageMode: "symlink"}, nil); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad storage mode, got %d", code)
	}

	var run models.Run
	env.do(t, http.MethodPost, "/runs", StartRunRequest{ProjectID: p.ID, DatasetID: d.ID}, &run)
	env.waitForStatus(t, run.ID, models.RunStatusSucceeded)
}

func TestModelRegistryOverHTTP(t *testing.T) {
	env := newTestServer(t, quickTrainer)
	p := env.createProject(t)

	var run models.Run
	env.do(t, http.MethodPost, "/runs", StartRunRequest{ProjectID: p.ID}, &run)
	env.waitForStatus(t, run.ID, models.RunStatusSucceeded)

	var first registerModelResponse
	code := env.do(t, http.MethodPost, "/models", RegisterModelRequest{ProjectID: p.ID, Name: "clf", RunID: run.ID, Version: "1"}, &first)
	if code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", code)
	}
	if !strings.Contains(first.Version.MetricsJSON, `"loss":0.5`) {
		t.Errorf("Expected final metrics, got %q", first.Version.MetricsJSON)
	}
	if !strings.Contains(first.Version.ProvenanceJSON, run.ID) {
		t.Errorf("Expected provenance to name the run, got %q", first.Version.ProvenanceJSON)
	}

	var second registerModelResponse
	env.do(t, http.MethodPost, "/models", RegisterModelRequest{ProjectID: p.ID, Name: "clf", Version: "2", ArtifactPath: "/tmp/model.pt"}, &second)

	for _, id := range []string{first.Version.ID, second.Version.ID} {
		if code := env.do(t, http.MethodPost, "/versions/"+id+"/promote", promoteRequest{Stage: models.StageProduction}, nil); code != http.StatusOK {
			t.Fatalf("Expected 200 on promote, got %d", code)
		}
	}

	var versions []models.ModelVersion
	env.do(t, http.MethodGet, "/models/"+first.Model.ID+"/versions", nil, &versions)
	stages := map[string]models.Stage{}
	for _, v := range versions {
		stages[v.Version] = v.Stage
	}
	if stages["1"] != models.StageArchived || stages["2"] != models.StageProduction {
		t.Errorf("Unexpected stages %v", stages)
	}

	if code := env.do(t, http.MethodPost, "/versions/"+first.Version.ID+"/promote", promoteRequest{Stage: "live"}, nil); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid stage, got %d", code)
	}
	if code := env.do(t, http.MethodGet, "/models/missing/versions", nil, nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 for missing model, got %d", code)
	}

	var entries []models.AuditEntry
	env.do(t, http.MethodGet, "/audit?limit=50", nil, &entries)
	actions := map[string]int{}
	for _, e := range entries {
		actions[e.Action]++
	}
	if actions["model.promote"] != 3 || actions["run.start"] != 1 {
		t.Errorf("Unexpected audit actions %v", actions)
	}
}

func TestDeleteProjectOverHTTP(t *testing.T) {
	env := newTestServer(t, slowTrainer)
	p := env.createProject(t)

	if code := env.do(t, http.MethodPost, "/runs", StartRunRequest{ProjectID: p.ID, RunID: "busy"}, nil); code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", code)
	}
	if code := env.do(t, http.MethodDelete, "/projects/"+p.ID, nil, nil); code != http.StatusConflict {
		t.Errorf("Expected 409 while a run is active, got %d", code)
	}

	env.do(t, http.MethodPost, "/runs/busy/cancel", nil, nil)
	env.waitForStatus(t, "busy", models.RunStatusCancelled)

	if code := env.do(t, http.MethodDelete, "/projects/"+p.ID, nil, nil); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if _, err := os.Stat(p.RootPath); !os.IsNotExist(err) {
		t.Errorf("Expected project directory to be removed, stat err=%v", err)
	}
	if code := env.do(t, http.MethodGet, "/projects/"+p.ID, nil, nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", code)
	}
	if code := env.do(t, http.MethodGet, "/runs/busy", nil, nil); code != http.StatusNotFound {
		t.Errorf("Expected run to be deleted with its project, got %d", code)
	}
	if code := env.do(t, http.MethodDelete, "/projects/"+p.ID, nil, nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 on second delete, got %d", code)
	}

	var entries []models.AuditEntry
	env.do(t, http.MethodGet, "/audit?limit=50", nil, &entries)
	outcomes := map[string]int{}
	for _, e := range entries {
		if e.Action == "project.delete" {
			outcomes[e.Outcome]++
		}
	}
	if outcomes["ok"] != 1 || outcomes["failed"] != 2 {
		t.Errorf("Unexpected project.delete audit outcomes %v", outcomes)
	}
}

func TestListAllModelsOverHTTP(t *testing.T) {
	env := newTestServer(t, quickTrainer)
	vision := env.createProject(t)
	var nlp models.Project
	if code := env.do(t, http.MethodPost, "/projects", createProjectRequest{Name: "nlp"}, &nlp); code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", code)
	}

	for _, req := range []RegisterModelRequest{
		{ProjectID: vision.ID, Name: "resnet", Version: "1", ArtifactPath: "/tmp/r1.pt"},
		{ProjectID: vision.ID, Name: "resnet", Version: "2", ArtifactPath: "/tmp/r2.pt"},
		{ProjectID: nlp.ID, Name: "bert", Version: "1", ArtifactPath: "/tmp/b1.pt"},
	} {
		if code := env.do(t, http.MethodPost, "/models", req, nil); code != http.StatusCreated {
			t.Fatalf("Expected 201, got %d", code)
		}
	}

	var scoped []models.Model
	env.do(t, http.MethodGet, "/models?project="+vision.ID, nil, &scoped)
	if len(scoped) != 1 {
		t.Errorf("Expected 1 model in project, got %d", len(scoped))
	}

	var all []models.ModelSummary
	if code := env.do(t, http.MethodGet, "/models?all", nil, &all); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 models across projects, got %+v", all)
	}
	byName := map[string]models.ModelSummary{}
	for _, m := range all {
		byName[m.Name] = m
	}
	if byName["resnet"].VersionCount != 2 || byName["resnet"].LatestVersion != "2" {
		t.Errorf("Unexpected resnet summary %+v", byName["resnet"])
	}
	if byName["bert"].ProjectName != "nlp" {
		t.Errorf("Expected bert under nlp, got %+v", byName["bert"])
	}
}
