package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/fentz26/trainctl/internal/models"
	"github.com/google/uuid"
)

// RegisterVersionParams describes a model version registration.
type RegisterVersionParams struct {
	ProjectID      string
	ModelName      string
	Description    string
	RunID          string
	Version        string
	ArtifactPath   string
	ProvenanceJSON string
	MetricsJSON    string
}

// RegisterModelVersion creates the named model if needed and adds a draft
// version to it, in one transaction.
func (s *Store) RegisterModelVersion(p RegisterVersionParams) (*models.Model, *models.ModelVersion, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	model := &models.Model{}
	var desc sql.NullString
	err = tx.QueryRow(
		`SELECT id, project_id, name, description, created_at FROM models WHERE project_id = ? AND name = ?`,
		p.ProjectID, p.ModelName,
	).Scan(&model.ID, &model.ProjectID, &model.Name, &desc, &model.CreatedAt)
	switch {
	case err == sql.ErrNoRows:
		model = &models.Model{
			ID:          uuid.New().String(),
			ProjectID:   p.ProjectID,
			Name:        p.ModelName,
			Description: p.Description,
			CreatedAt:   now,
		}
		if _, err := tx.Exec(
			`INSERT INTO models (id, project_id, name, description, created_at) VALUES (?, ?, ?, ?, ?)`,
			model.ID, model.ProjectID, model.Name, nullString(model.Description), model.CreatedAt,
		); err != nil {
			return nil, nil, fmt.Errorf("insert model: %w", err)
		}
	case err != nil:
		return nil, nil, fmt.Errorf("query model: %w", err)
	default:
		model.Description = desc.String
	}

	mv := &models.ModelVersion{
		ID:             uuid.New().String(),
		ModelID:        model.ID,
		RunID:          p.RunID,
		Version:        p.Version,
		Stage:          models.StageDraft,
		ArtifactPath:   p.ArtifactPath,
		ProvenanceJSON: p.ProvenanceJSON,
		MetricsJSON:    p.MetricsJSON,
		CreatedAt:      now,
	}
	if _, err := tx.Exec(
		`INSERT INTO model_versions (id, model_id, run_id, version, stage, artifact_path, provenance_json, metrics_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mv.ID, mv.ModelID, nullString(mv.RunID), mv.Version, mv.Stage, mv.ArtifactPath,
		nullString(mv.ProvenanceJSON), nullString(mv.MetricsJSON), mv.CreatedAt,
	); err != nil {
		return nil, nil, fmt.Errorf("insert model version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit transaction: %w", err)
	}
	return model, mv, nil
}

// GetModel retrieves a model by ID. It returns nil if none exists.
func (s *Store) GetModel(id string) (*models.Model, error) {
	m := &models.Model{}
	var desc sql.NullString
	err := s.db.QueryRow(
		`SELECT id, project_id, name, description, created_at FROM models WHERE id = ?`, id,
	).Scan(&m.ID, &m.ProjectID, &m.Name, &desc, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query model: %w", err)
	}
	m.Description = desc.String
	return m, nil
}

// ListModels returns a project's models, newest first.
func (s *Store) ListModels(projectID string) ([]models.Model, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, name, description, created_at FROM models WHERE project_id = ? ORDER BY created_at DESC`, projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query models: %w", err)
	}
	defer rows.Close()

	var list []models.Model
	for rows.Next() {
		var m models.Model
		var desc sql.NullString
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Name, &desc, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		m.Description = desc.String
		list = append(list, m)
	}
	return list, rows.Err()
}

// ListAllModels returns every model across projects with its version count,
// latest version and production version, ordered by project then model name.
func (s *Store) ListAllModels() ([]models.ModelSummary, error) {
	rows, err := s.db.Query(`
		SELECT m.id, m.project_id, p.name, m.name, m.description, m.created_at,
			(SELECT COUNT(*) FROM model_versions v WHERE v.model_id = m.id),
			(SELECT v.version FROM model_versions v WHERE v.model_id = m.id ORDER BY v.created_at DESC, v.rowid DESC LIMIT 1),
			(SELECT v.version FROM model_versions v WHERE v.model_id = m.id AND v.stage = 'production')
		FROM models m
		JOIN projects p ON p.id = m.project_id
		ORDER BY p.name, m.name`)
	if err != nil {
		return nil, fmt.Errorf("query models: %w", err)
	}
	defer rows.Close()

	var list []models.ModelSummary
	for rows.Next() {
		var m models.ModelSummary
		var desc, latest, production sql.NullString
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.ProjectName, &m.Name, &desc, &m.CreatedAt,
			&m.VersionCount, &latest, &production); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		m.Description = desc.String
		m.LatestVersion = latest.String
		m.ProductionVersion = production.String
		list = append(list, m)
	}
	return list, rows.Err()
}

const versionColumns = `id, model_id, run_id, version, stage, artifact_path, provenance_json, metrics_json, created_at, promoted_at`

func scanVersion(row scanner) (*models.ModelVersion, error) {
	var mv models.ModelVersion
	var runID, provenance, metrics sql.NullString
	var promotedAt sql.NullTime
	if err := row.Scan(&mv.ID, &mv.ModelID, &runID, &mv.Version, &mv.Stage, &mv.ArtifactPath,
		&provenance, &metrics, &mv.CreatedAt, &promotedAt); err != nil {
		return nil, err
	}
	mv.RunID = runID.String
	mv.ProvenanceJSON = provenance.String
	mv.MetricsJSON = metrics.String
	if promotedAt.Valid {
		mv.PromotedAt = &promotedAt.Time
	}
	return &mv, nil
}

// GetModelVersion retrieves a model version by ID. It returns nil if none exists.
func (s *Store) GetModelVersion(id string) (*models.ModelVersion, error) {
	mv, err := scanVersion(s.db.QueryRow(`SELECT `+versionColumns+` FROM model_versions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query model version: %w", err)
	}
	return mv, nil
}

// ListModelVersions returns a model's versions, newest first.
func (s *Store) ListModelVersions(modelID string) ([]models.ModelVersion, error) {
	rows, err := s.db.Query(
		`SELECT `+versionColumns+` FROM model_versions WHERE model_id = ? ORDER BY created_at DESC, rowid DESC`, modelID,
	)
	if err != nil {
		return nil, fmt.Errorf("query model versions: %w", err)
	}
	defer rows.Close()

	var versions []models.ModelVersion
	for rows.Next() {
		mv, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model version: %w", err)
		}
		versions = append(versions, *mv)
	}
	return versions, rows.Err()
}

// PromoteModelVersion moves a version to stage. Promoting to production
// archives the model's current production version in the same transaction,
// so a model never has two production versions.
func (s *Store) PromoteModelVersion(id string, stage models.Stage) (*models.ModelVersion, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStage, stage)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var modelID string
	err = tx.QueryRow(`SELECT model_id FROM model_versions WHERE id = ?`, id).Scan(&modelID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: model version %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query model version: %w", err)
	}

	if stage == models.StageProduction {
		if _, err := tx.Exec(
			`UPDATE model_versions SET stage = ?, promoted_at = ? WHERE model_id = ? AND stage = ? AND id != ?`,
			models.StageArchived, now, modelID, models.StageProduction, id,
		); err != nil {
			return nil, fmt.Errorf("archive production version: %w", err)
		}
	}

	if _, err := tx.Exec(
		`UPDATE model_versions SET stage = ?, promoted_at = ? WHERE id = ?`,
		stage, now, id,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: model %s already has a production version", ErrDuplicate, modelID)
		}
		return nil, fmt.Errorf("update model version: %w", err)
	}

	mv, err := scanVersion(tx.QueryRow(`SELECT `+versionColumns+` FROM model_versions WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("reload model version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return mv, nil
}
