// Package controlplane provides the HTTP API and service layer of the trainctl daemon.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fentz26/trainctl/internal/audit"
	"github.com/fentz26/trainctl/internal/backend"
	"github.com/fentz26/trainctl/internal/bus"
	"github.com/fentz26/trainctl/internal/models"
	"github.com/fentz26/trainctl/internal/runner"
	"github.com/fentz26/trainctl/internal/store"
	"github.com/fentz26/trainctl/internal/workspace"
	"github.com/google/uuid"
)

// Service provides the control plane business logic.
type Service struct {
	store    *store.Store
	ws       *workspace.Workspace
	registry *runner.Registry
	bus      *bus.Bus
	audit    *audit.Trail
	logger   *slog.Logger

	// Entrypoint is recorded on each run for provenance.
	Entrypoint string
}

// NewService creates a new control plane service.
func NewService(st *store.Store, ws *workspace.Workspace, reg *runner.Registry, b *bus.Bus, trail *audit.Trail, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		ws:       ws,
		registry: reg,
		bus:      b,
		audit:    trail,
		logger:   logger,
	}
}

// --- Project Operations ---

// CreateProject creates a project and its workspace directories.
func (s *Service) CreateProject(name, description string) (*models.Project, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: project name is required", ErrInvalidRequest)
	}

	p, err := s.store.CreateProject(name, "", description)
	if err != nil {
		return nil, err
	}
	root, err := s.ws.InitProject(p.ID)
	if err != nil {
		return nil, err
	}
	p.RootPath = root
	if err := s.store.SetProjectRoot(p.ID, root); err != nil {
		return nil, err
	}

	s.audit.Record("project.create", map[string]string{"name": name}, audit.OutcomeOK, "", p.ID)
	return p, nil
}

// GetProject returns a project or ErrNotFound.
func (s *Service) GetProject(id string) (*models.Project, error) {
	p, err := s.store.GetProject(id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	return p, nil
}

// ListProjects returns every project.
func (s *Service) ListProjects() ([]models.Project, error) {
	return s.store.ListProjects()
}

// DeleteProject removes a project, its records and its workspace directory.
// Projects with active runs are refused.
func (s *Service) DeleteProject(id string) error {
	err := s.deleteProject(id)
	s.audit.RecordResult("project.delete", map[string]string{"project_id": id}, "", err)
	return err
}

func (s *Service) deleteProject(id string) error {
	if _, err := s.GetProject(id); err != nil {
		return err
	}
	for _, info := range s.registry.ListActive() {
		if info.ProjectID == id {
			return fmt.Errorf("%w: project %s has active run %s", ErrConflict, id, info.RunID)
		}
	}
	if err := s.store.DeleteProject(id); err != nil {
		return err
	}
	if err := s.ws.RemoveProject(id); err != nil {
		return err
	}
	s.logger.Info("project deleted", "project_id", id)
	return nil
}

// --- Dataset Operations ---

// ImportDatasetRequest asks for a directory to be imported into a project.
type ImportDatasetRequest struct {
	Name        string `json:"name"`
	SourcePath  string `json:"source_path"`
	StorageMode string `json:"storage_mode"`
}

// ImportDataset fingerprints and imports a dataset directory.
func (s *Service) ImportDataset(projectID string, req ImportDatasetRequest) (*models.Dataset, error) {
	if _, err := s.GetProject(projectID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.SourcePath) == "" {
		return nil, fmt.Errorf("%w: source_path is required", ErrInvalidRequest)
	}
	mode, err := workspace.ParseStorageMode(req.StorageMode)
	if err != nil {
		return nil, err
	}
	name := req.Name
	if name == "" {
		name = filepath.Base(filepath.Clean(req.SourcePath))
	}

	datasetID := uuid.New().String()
	m, err := workspace.ImportDataset(s.ws, workspace.ImportRequest{
		ProjectID:  projectID,
		DatasetID:  datasetID,
		Name:       name,
		SourcePath: req.SourcePath,
		Mode:       mode,
	})
	s.audit.RecordResult("dataset.import", req, "", err)
	if err != nil {
		return nil, err
	}

	d := &models.Dataset{
		ID:           m.ID,
		ProjectID:    projectID,
		Name:         m.Name,
		Fingerprint:  m.Fingerprint.Fingerprint,
		StorageMode:  string(m.StorageMode),
		ManifestPath: s.ws.DatasetManifestPath(projectID, m.ID),
		SizeBytes:    m.Fingerprint.TotalSize,
		FileCount:    m.Fingerprint.FileCount,
	}
	if err := s.store.CreateDataset(d); err != nil {
		return nil, err
	}
	s.logger.Info("dataset imported", "dataset_id", d.ID, "fingerprint", d.Fingerprint, "files", d.FileCount)
	return d, nil
}

// ListDatasets returns a project's datasets.
func (s *Service) ListDatasets(projectID string) ([]models.Dataset, error) {
	return s.store.ListDatasets(projectID)
}

// --- Run Operations ---

// StartRunRequest asks for a training run.
type StartRunRequest struct {
	// RunID is optional; a UUID is assigned when empty.
	RunID     string `json:"run_id,omitempty"`
	ProjectID string `json:"project_id"`
	DatasetID string `json:"dataset_id,omitempty"`
	Name      string `json:"name,omitempty"`
	// Backend is local or docker. When empty, Config's method and
	// docker_image keys select it.
	Backend string `json:"backend,omitempty"`
	Image   string `json:"image,omitempty"`
	// Config is written to the run's config.json for the trainer.
	Config map[string]any `json:"config,omitempty"`
}

// selectBackend resolves the backend name and image for req.
func selectBackend(req StartRunRequest) (string, string) {
	name, image := req.Backend, req.Image
	if name == "" {
		if method, _ := req.Config["method"].(string); method == backend.ContainerName {
			name = backend.ContainerName
		} else {
			name = backend.LocalName
		}
	}
	if image == "" {
		image, _ = req.Config["docker_image"].(string)
	}
	return name, image
}

// StartRun records a run, writes its config.json and hands it to the registry.
func (s *Service) StartRun(ctx context.Context, req StartRunRequest) (*models.Run, error) {
	if _, err := s.GetProject(req.ProjectID); err != nil {
		return nil, err
	}

	backendName, image := selectBackend(req)
	if _, err := s.registry.Backend(backendName); err != nil {
		return nil, err
	}
	if backendName == backend.ContainerName && image == "" {
		return nil, fmt.Errorf("%w: docker runs need an image", ErrInvalidRequest)
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	if !runner.ValidRunID(runID) {
		return nil, fmt.Errorf("%w: %q", runner.ErrInvalidRunID, runID)
	}
	if s.registry.IsRunning(runID) {
		return nil, fmt.Errorf("%w: %s", runner.ErrAlreadyRunning, runID)
	}
	if err := s.registry.CheckCapacity(backendName); err != nil {
		return nil, err
	}

	var datasetDir string
	if req.DatasetID != "" {
		m, err := workspace.LoadManifest(s.ws, req.ProjectID, req.DatasetID)
		if err != nil {
			return nil, fmt.Errorf("%w: dataset %s: %w", ErrNotFound, req.DatasetID, err)
		}
		datasetDir = workspace.ResolveDatasetPath(s.ws, req.ProjectID, m)
	}

	if _, err := s.ws.InitRun(req.ProjectID, runID); err != nil {
		return nil, err
	}
	configPath := s.ws.RunConfigPath(req.ProjectID, runID)
	if err := writeRunConfig(configPath, req.Config); err != nil {
		return nil, err
	}

	run, err := s.store.CreateRun(models.Run{
		ID:         runID,
		ProjectID:  req.ProjectID,
		DatasetID:  req.DatasetID,
		Name:       req.Name,
		Backend:    backendName,
		ConfigPath: configPath,
		Entrypoint: s.Entrypoint,
	})
	if err != nil {
		return nil, err
	}

	err = s.registry.StartRun(ctx, runner.StartRequest{
		RunID:     runID,
		ProjectID: req.ProjectID,
		Backend:   backendName,
		Config: backend.Config{
			RunID:            runID,
			ProjectID:        req.ProjectID,
			ConfigPath:       configPath,
			OutputDir:        s.ws.RunArtifactsDir(req.ProjectID, runID),
			DatasetDir:       datasetDir,
			Image:            image,
			RequirementsPath: s.ws.RequirementsPath(req.ProjectID),
			ScriptsDir:       s.ws.ScriptsDir(req.ProjectID),
		},
	})
	s.audit.RecordResult("run.start", req, runID, err)
	if err != nil {
		s.markStartFailed(runID, err)
		return nil, err
	}
	return run, nil
}

// markStartFailed records a run the registry refused. The caller already
// returns startErr, so a store failure here is only logged.
func (s *Service) markStartFailed(runID string, startErr error) {
	if err := s.store.UpdateRunStatus(runID, models.RunStatusFailed, startErr.Error()); err != nil {
		s.logger.Warn("failed to mark run failed", "run_id", runID, "start_error", startErr, "error", err)
	}
}

func writeRunConfig(path string, cfg map[string]any) error {
	if cfg == nil {
		cfg = map[string]any{}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: config: %w", ErrInvalidRequest, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write run config: %w", err)
	}
	return nil
}

// CancelRun cancels an active run.
func (s *Service) CancelRun(runID string) error {
	err := s.registry.CancelRun(runID)
	s.audit.RecordResult("run.cancel", map[string]string{"run_id": runID}, runID, err)
	return err
}

// ListActive returns the runs currently supervised.
func (s *Service) ListActive() []runner.RunInfo {
	return s.registry.ListActive()
}

// GetRun returns a run record or ErrNotFound.
func (s *Service) GetRun(id string) (*models.Run, error) {
	run, err := s.store.GetRun(id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	return run, nil
}

// ListRuns returns run records, optionally filtered.
func (s *Service) ListRuns(projectID string, status models.RunStatus) ([]models.Run, error) {
	return s.store.ListRuns(projectID, status)
}

// RunMetrics returns a run's metrics, optionally for one key.
func (s *Service) RunMetrics(runID, key string) ([]models.Metric, error) {
	return s.store.GetRunMetrics(runID, key)
}

// RunArtifacts returns the artifacts a run reported.
func (s *Service) RunArtifacts(runID string) ([]models.Artifact, error) {
	return s.store.ListArtifacts(runID)
}

// Subscribe streams a run's events, replaying its backlog first.
func (s *Service) Subscribe(runID string) *bus.Subscription {
	return s.bus.Subscribe(runID)
}

// --- Model Registry Operations ---

// RegisterModelRequest registers a model version, usually from a finished run.
type RegisterModelRequest struct {
	ProjectID    string `json:"project_id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	RunID        string `json:"run_id,omitempty"`
	Version      string `json:"version"`
	ArtifactPath string `json:"artifact_path,omitempty"`
}

type provenance struct {
	RunID       string `json:"run_id"`
	DatasetID   string `json:"dataset_id,omitempty"`
	Fingerprint string `json:"dataset_fingerprint,omitempty"`
	Backend     string `json:"backend"`
	ConfigPath  string `json:"config_path,omitempty"`
	Entrypoint  string `json:"entrypoint,omitempty"`
}

// RegisterModel adds a draft version to the named model. When a run is
// given, its provenance and last metric values are attached and the artifact
// path defaults to the run's output directory.
func (s *Service) RegisterModel(req RegisterModelRequest) (*models.Model, *models.ModelVersion, error) {
	if _, err := s.GetProject(req.ProjectID); err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Version) == "" {
		return nil, nil, fmt.Errorf("%w: name and version are required", ErrInvalidRequest)
	}

	params := store.RegisterVersionParams{
		ProjectID:    req.ProjectID,
		ModelName:    req.Name,
		Description:  req.Description,
		RunID:        req.RunID,
		Version:      req.Version,
		ArtifactPath: req.ArtifactPath,
	}

	if req.RunID != "" {
		run, err := s.GetRun(req.RunID)
		if err != nil {
			return nil, nil, err
		}
		if run.Status != models.RunStatusSucceeded {
			return nil, nil, fmt.Errorf("%w: run %s is %s", ErrInvalidRequest, run.ID, run.Status)
		}
		if params.ArtifactPath == "" {
			params.ArtifactPath = s.ws.RunArtifactsDir(run.ProjectID, run.ID)
		}
		prov := provenance{
			RunID:      run.ID,
			DatasetID:  run.DatasetID,
			Backend:    run.Backend,
			ConfigPath: run.ConfigPath,
			Entrypoint: run.Entrypoint,
		}
		if run.DatasetID != "" {
			if d, err := s.store.GetDataset(run.DatasetID); err == nil && d != nil {
				prov.Fingerprint = d.Fingerprint
			}
		}
		if data, err := json.Marshal(prov); err == nil {
			params.ProvenanceJSON = string(data)
		}
		metrics, err := s.store.GetRunMetrics(run.ID, "")
		if err != nil {
			return nil, nil, err
		}
		if len(metrics) > 0 {
			final := make(map[string]float64)
			for _, m := range metrics {
				final[m.Key] = m.Value
			}
			if data, err := json.Marshal(final); err == nil {
				params.MetricsJSON = string(data)
			}
		}
	}
	if params.ArtifactPath == "" {
		return nil, nil, fmt.Errorf("%w: artifact_path or run_id is required", ErrInvalidRequest)
	}

	m, v, err := s.store.RegisterModelVersion(params)
	s.audit.RecordResult("model.register", req, req.RunID, err)
	return m, v, err
}

// ListModels returns a project's models.
func (s *Service) ListModels(projectID string) ([]models.Model, error) {
	return s.store.ListModels(projectID)
}

// ListAllModels returns every model across projects.
func (s *Service) ListAllModels() ([]models.ModelSummary, error) {
	return s.store.ListAllModels()
}

// ListModelVersions returns a model's versions.
func (s *Service) ListModelVersions(modelID string) ([]models.ModelVersion, error) {
	m, err := s.store.GetModel(modelID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: model %s", ErrNotFound, modelID)
	}
	return s.store.ListModelVersions(modelID)
}

// PromoteModelVersion moves a version to stage.
func (s *Service) PromoteModelVersion(versionID string, stage models.Stage) (*models.ModelVersion, error) {
	v, err := s.store.PromoteModelVersion(versionID, stage)
	s.audit.RecordResult("model.promote", map[string]string{"version_id": versionID, "stage": string(stage)}, "", err)
	return v, err
}

// ListAudit returns recent audit entries.
func (s *Service) ListAudit(limit int) ([]models.AuditEntry, error) {
	return s.store.ListAudit(limit)
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
