// Package models defines the persisted domain types for trainctl.
package models

import "time"

// RunStatus is the persisted lifecycle state of a training run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status ends a run.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// ArtifactKind classifies files produced by a run.
type ArtifactKind string

const (
	ArtifactModel      ArtifactKind = "model"
	ArtifactCheckpoint ArtifactKind = "checkpoint"
	ArtifactLog        ArtifactKind = "log"
	ArtifactMetric     ArtifactKind = "metric"
	ArtifactOther      ArtifactKind = "other"
)

// NormalizeArtifactKind maps unknown kinds to ArtifactOther.
func NormalizeArtifactKind(kind string) ArtifactKind {
	switch k := ArtifactKind(kind); k {
	case ArtifactModel, ArtifactCheckpoint, ArtifactLog, ArtifactMetric:
		return k
	}
	return ArtifactOther
}

// Stage is the lifecycle stage of a model version.
type Stage string

const (
	StageDraft      Stage = "draft"
	StageStaging    Stage = "staging"
	StageProduction Stage = "production"
	StageArchived   Stage = "archived"
)

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageDraft, StageStaging, StageProduction, StageArchived:
		return true
	}
	return false
}

// Project groups datasets, runs and models.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	RootPath    string    `json:"root_path"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Dataset is an imported, fingerprinted directory.
type Dataset struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	Name         string    `json:"name"`
	Fingerprint  string    `json:"fingerprint"`
	StorageMode  string    `json:"storage_mode"`
	ManifestPath string    `json:"manifest_path"`
	SizeBytes    int64     `json:"size_bytes"`
	FileCount    int       `json:"file_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Run is the persisted record of a training run.
type Run struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	DatasetID    string     `json:"dataset_id,omitempty"`
	Name         string     `json:"name,omitempty"`
	Status       RunStatus  `json:"status"`
	Backend      string     `json:"backend"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	ConfigPath   string     `json:"config_path,omitempty"`
	Entrypoint   string     `json:"entrypoint,omitempty"`
	ErrorSummary string     `json:"error_summary,omitempty"`
	Device       string     `json:"device,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Metric is one recorded scalar of a run.
type Metric struct {
	RunID string  `json:"run_id"`
	Step  int     `json:"step"`
	Key   string  `json:"key"`
	Value float64 `json:"value"`
	TS    string  `json:"ts"`
}

// Artifact is a file reported by a run.
type Artifact struct {
	ID        string       `json:"id"`
	RunID     string       `json:"run_id"`
	Kind      ArtifactKind `json:"kind"`
	Path      string       `json:"path"`
	SHA256    string       `json:"sha256"`
	SizeBytes int64        `json:"size_bytes"`
	CreatedAt time.Time    `json:"created_at"`
}

// Model is a named entry in a project's model registry.
type Model struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ModelSummary is a model listed across projects.
type ModelSummary struct {
	Model
	ProjectName       string `json:"project_name"`
	VersionCount      int    `json:"version_count"`
	LatestVersion     string `json:"latest_version,omitempty"`
	ProductionVersion string `json:"production_version,omitempty"`
}

// ModelVersion is one registered version of a model.
type ModelVersion struct {
	ID             string     `json:"id"`
	ModelID        string     `json:"model_id"`
	RunID          string     `json:"run_id,omitempty"`
	Version        string     `json:"version"`
	Stage          Stage      `json:"stage"`
	ArtifactPath   string     `json:"artifact_path"`
	ProvenanceJSON string     `json:"provenance_json,omitempty"`
	MetricsJSON    string     `json:"metrics_json,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	PromotedAt     *time.Time `json:"promoted_at,omitempty"`
}

// AuditEntry records a state-mutating action for audit.
type AuditEntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	RunID      string    `json:"run_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
