package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fentz26/trainctl/internal/models"
	"github.com/gorilla/mux"
)

// Version is reported by the health endpoint.
var Version = "dev"

// Server provides the HTTP API of the trainctl daemon.
type Server struct {
	service *Service
	addr    string
	server  *http.Server
	logger  *slog.Logger
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		service: service,
		addr:    addr,
		logger:  logger,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth)

	r.HandleFunc("/projects", s.createProject).Methods(http.MethodPost)
	r.HandleFunc("/projects", s.listProjects).Methods(http.MethodGet)
	r.HandleFunc("/projects/{id}", s.getProject).Methods(http.MethodGet)
	r.HandleFunc("/projects/{id}", s.deleteProject).Methods(http.MethodDelete)
	r.HandleFunc("/projects/{id}/datasets", s.importDataset).Methods(http.MethodPost)
	r.HandleFunc("/projects/{id}/datasets", s.listDatasets).Methods(http.MethodGet)

	r.HandleFunc("/runs", s.startRun).Methods(http.MethodPost)
	r.HandleFunc("/runs", s.listRuns).Methods(http.MethodGet)
	r.HandleFunc("/runs/active", s.listActive).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}", s.getRun).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}/cancel", s.cancelRun).Methods(http.MethodPost)
	r.HandleFunc("/runs/{id}/events", s.streamEvents).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}/metrics", s.runMetrics).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}/artifacts", s.runArtifacts).Methods(http.MethodGet)

	r.HandleFunc("/models", s.registerModel).Methods(http.MethodPost)
	r.HandleFunc("/models", s.listModels).Methods(http.MethodGet)
	r.HandleFunc("/models/{id}/versions", s.listVersions).Methods(http.MethodGet)
	r.HandleFunc("/versions/{id}/promote", s.promoteVersion).Methods(http.MethodPost)

	r.HandleFunc("/audit", s.listAudit).Methods(http.MethodGet)
	return r
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.server = &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("control plane listening", "addr", ln.Addr().String())
	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// --- Health ---

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	OK       bool     `json:"ok"`
	DB       string   `json:"db"`
	Version  string   `json:"version"`
	Time     string   `json:"time"`
	Backends []string `json:"backends"`
	Active   int      `json:"active_runs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health := HealthResponse{
		OK:       true,
		DB:       "ok",
		Version:  Version,
		Time:     time.Now().UTC().Format(time.RFC3339),
		Backends: s.service.registry.Backends(),
		Active:   len(s.service.ListActive()),
	}
	status := http.StatusOK
	if err := s.service.Ping(ctx); err != nil {
		health.OK = false
		health.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// --- Project Handlers ---

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.service.CreateProject(req.Name, req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.service.ListProjects()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(projects))
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.service.GetProject(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.service.DeleteProject(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "project_id": id})
}

func (s *Server) importDataset(w http.ResponseWriter, r *http.Request) {
	var req ImportDatasetRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := s.service.ImportDataset(mux.Vars(r)["id"], req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) listDatasets(w http.ResponseWriter, r *http.Request) {
	datasets, err := s.service.ListDatasets(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(datasets))
}

// --- Run Handlers ---

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if !decode(w, r, &req) {
		return
	}
	// The run outlives the request.
	run, err := s.service.StartRun(context.WithoutCancel(r.Context()), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runs, err := s.service.ListRuns(q.Get("project"), models.RunStatus(q.Get("status")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(runs))
}

func (s *Server) listActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.service.ListActive()))
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.service.GetRun(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.service.CancelRun(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling", "run_id": id})
}

func (s *Server) runMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.service.RunMetrics(mux.Vars(r)["id"], r.URL.Query().Get("key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(metrics))
}

func (s *Server) runArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.service.RunArtifacts(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(artifacts))
}

// streamEvents serves a run's events as server-sent events. The stream
// replays the run's backlog, follows live events and ends after the
// terminal status.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Warn("clear write deadline", "error", err)
	}

	sub := s.service.Subscribe(runID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	rc.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			rc.Flush()
		case env, ok := <-sub.Events():
			if !ok {
				fmt.Fprint(w, "event: end\ndata: {}\n\n")
				rc.Flush()
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				s.logger.Warn("encode event", "run_id", runID, "error", err)
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", env.Seq, env.Event.Kind(), data)
			rc.Flush()
		}
	}
}

// --- Model Handlers ---

type registerModelResponse struct {
	Model   *models.Model        `json:"model"`
	Version *models.ModelVersion `json:"version"`
}

func (s *Server) registerModel(w http.ResponseWriter, r *http.Request) {
	var req RegisterModelRequest
	if !decode(w, r, &req) {
		return
	}
	m, v, err := s.service.RegisterModel(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerModelResponse{Model: m, Version: v})
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	if _, all := r.URL.Query()["all"]; all {
		summaries, err := s.service.ListAllModels()
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(summaries))
		return
	}
	list, err := s.service.ListModels(r.URL.Query().Get("project"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.service.ListModelVersions(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(versions))
}

type promoteRequest struct {
	Stage models.Stage `json:"stage"`
}

func (s *Server) promoteVersion(w http.ResponseWriter, r *http.Request) {
	var req promoteRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := s.service.PromoteModelVersion(mux.Vars(r)["id"], req.Stage)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.service.ListAudit(limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}
