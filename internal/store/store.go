// Package store provides SQLite-backed persistence for trainctl.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/trainctl/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound indicates the referenced record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidStage indicates an unknown model version stage.
	ErrInvalidStage = errors.New("invalid stage")
	// ErrDuplicate indicates a uniqueness constraint was violated.
	ErrDuplicate = errors.New("record already exists")
)

// Store provides access to the trainctl SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		root_path TEXT NOT NULL,
		description TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS datasets (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		storage_mode TEXT NOT NULL CHECK(storage_mode IN ('copy', 'reference')),
		manifest_path TEXT NOT NULL,
		size_bytes INTEGER,
		file_count INTEGER,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		dataset_id TEXT,
		name TEXT,
		status TEXT NOT NULL CHECK(status IN ('pending', 'running', 'succeeded', 'failed', 'cancelled')),
		backend TEXT NOT NULL DEFAULT 'local',
		started_at DATETIME,
		ended_at DATETIME,
		config_path TEXT,
		entrypoint TEXT,
		error_summary TEXT,
		device TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
		FOREIGN KEY (dataset_id) REFERENCES datasets(id) ON DELETE SET NULL
	);

	CREATE TABLE IF NOT EXISTS run_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		step INTEGER NOT NULL,
		key TEXT NOT NULL,
		value REAL NOT NULL,
		ts TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK(kind IN ('model', 'checkpoint', 'log', 'metric', 'other')),
		path TEXT NOT NULL,
		sha256 TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS models (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
		UNIQUE(project_id, name)
	);

	CREATE TABLE IF NOT EXISTS model_versions (
		id TEXT PRIMARY KEY,
		model_id TEXT NOT NULL,
		run_id TEXT,
		version TEXT NOT NULL,
		stage TEXT NOT NULL CHECK(stage IN ('draft', 'staging', 'production', 'archived')),
		artifact_path TEXT NOT NULL,
		provenance_json TEXT,
		metrics_json TEXT,
		created_at DATETIME NOT NULL,
		promoted_at DATETIME,
		FOREIGN KEY (model_id) REFERENCES models(id) ON DELETE CASCADE,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE SET NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		run_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_datasets_project ON datasets(project_id);
	CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_run_metrics_run ON run_metrics(run_id);
	CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id);
	CREATE INDEX IF NOT EXISTS idx_models_project ON models(project_id);
	CREATE INDEX IF NOT EXISTS idx_model_versions_model ON model_versions(model_id);
	CREATE INDEX IF NOT EXISTS idx_model_versions_stage ON model_versions(stage);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_model_versions_one_production
		ON model_versions(model_id) WHERE stage = 'production';
	`

	_, err := s.db.Exec(schema)
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "unique constraint")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// --- Project Operations ---

// CreateProject inserts a new project.
func (s *Store) CreateProject(name, rootPath, description string) (*models.Project, error) {
	now := time.Now().UTC()
	p := &models.Project{
		ID:          uuid.New().String(),
		Name:        name,
		RootPath:    rootPath,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.db.Exec(
		`INSERT INTO projects (id, name, root_path, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.RootPath, nullString(p.Description), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

// SetProjectRoot records the project's workspace directory.
func (s *Store) SetProjectRoot(id, rootPath string) error {
	_, err := s.db.Exec(`UPDATE projects SET root_path = ?, updated_at = ? WHERE id = ?`, rootPath, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID. It returns nil if none exists.
func (s *Store) GetProject(id string) (*models.Project, error) {
	p := &models.Project{}
	var desc sql.NullString
	err := s.db.QueryRow(
		`SELECT id, name, root_path, description, created_at, updated_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.RootPath, &desc, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query project: %w", err)
	}
	p.Description = desc.String
	return p, nil
}

// ListProjects returns all projects, newest first.
func (s *Store) ListProjects() ([]models.Project, error) {
	rows, err := s.db.Query(`SELECT id, name, root_path, description, created_at, updated_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		var p models.Project
		var desc sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.RootPath, &desc, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.Description = desc.String
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// DeleteProject removes a project with its datasets, runs, metrics,
// artifacts and models in one transaction. Audit entries are kept.
func (s *Store) DeleteProject(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM projects WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("query project: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: project %s", ErrNotFound, id)
	}

	// Foreign keys are not enforced, so dependents go first.
	stmts := []string{
		`DELETE FROM run_metrics WHERE run_id IN (SELECT id FROM runs WHERE project_id = ?)`,
		`DELETE FROM artifacts WHERE run_id IN (SELECT id FROM runs WHERE project_id = ?)`,
		`DELETE FROM model_versions WHERE model_id IN (SELECT id FROM models WHERE project_id = ?)`,
		`DELETE FROM models WHERE project_id = ?`,
		`DELETE FROM runs WHERE project_id = ?`,
		`DELETE FROM datasets WHERE project_id = ?`,
		`DELETE FROM projects WHERE id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt, id); err != nil {
			return fmt.Errorf("delete project: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// --- Dataset Operations ---

// CreateDataset inserts an imported dataset. The caller assigns the ID so it
// matches the dataset's directory and manifest.
func (s *Store) CreateDataset(d *models.Dataset) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO datasets (id, project_id, name, fingerprint, storage_mode, manifest_path, size_bytes, file_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ProjectID, d.Name, d.Fingerprint, d.StorageMode, d.ManifestPath, d.SizeBytes, d.FileCount, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dataset: %w", err)
	}
	return nil
}

// GetDataset retrieves a dataset by ID. It returns nil if none exists.
func (s *Store) GetDataset(id string) (*models.Dataset, error) {
	d := &models.Dataset{}
	var size, count sql.NullInt64
	err := s.db.QueryRow(
		`SELECT id, project_id, name, fingerprint, storage_mode, manifest_path, size_bytes, file_count, created_at FROM datasets WHERE id = ?`, id,
	).Scan(&d.ID, &d.ProjectID, &d.Name, &d.Fingerprint, &d.StorageMode, &d.ManifestPath, &size, &count, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query dataset: %w", err)
	}
	d.SizeBytes = size.Int64
	d.FileCount = int(count.Int64)
	return d, nil
}

// ListDatasets returns the datasets of a project, newest first.
func (s *Store) ListDatasets(projectID string) ([]models.Dataset, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, name, fingerprint, storage_mode, manifest_path, size_bytes, file_count, created_at
		 FROM datasets WHERE project_id = ? ORDER BY created_at DESC`, projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query datasets: %w", err)
	}
	defer rows.Close()

	var datasets []models.Dataset
	for rows.Next() {
		var d models.Dataset
		var size, count sql.NullInt64
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Name, &d.Fingerprint, &d.StorageMode, &d.ManifestPath, &size, &count, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dataset: %w", err)
		}
		d.SizeBytes = size.Int64
		d.FileCount = int(count.Int64)
		datasets = append(datasets, d)
	}
	return datasets, rows.Err()
}
