package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/trainctl/internal/models"
	"github.com/google/uuid"
)

const runColumns = `id, project_id, dataset_id, name, status, backend, started_at, ended_at, config_path, entrypoint, error_summary, device, created_at`

// CreateRun inserts a pending run. An empty ID is assigned a new UUID.
func (s *Store) CreateRun(run models.Run) (*models.Run, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	run.Status = models.RunStatusPending
	run.CreatedAt = time.Now().UTC()
	if run.Backend == "" {
		run.Backend = "local"
	}

	_, err := s.db.Exec(
		`INSERT INTO runs (id, project_id, dataset_id, name, status, backend, config_path, entrypoint, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ProjectID, nullString(run.DatasetID), nullString(run.Name), run.Status, run.Backend,
		nullString(run.ConfigPath), nullString(run.Entrypoint), run.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: run %s", ErrDuplicate, run.ID)
		}
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return &run, nil
}

// SetRunConfigPath records where the run's config.json was written.
func (s *Store) SetRunConfigPath(id, path string) error {
	_, err := s.db.Exec(`UPDATE runs SET config_path = ? WHERE id = ?`, path, id)
	return err
}

// UpdateRunStatus moves a run to status. Running stamps started_at; terminal
// states stamp ended_at and the error summary. A run that already reached a
// terminal state is left unchanged.
func (s *Store) UpdateRunStatus(id string, status models.RunStatus, errorSummary string) error {
	now := time.Now().UTC()
	var err error
	switch {
	case status == models.RunStatusRunning:
		_, err = s.db.Exec(
			`UPDATE runs SET status = ?, started_at = ? WHERE id = ? AND status NOT IN ('succeeded', 'failed', 'cancelled')`,
			status, now, id,
		)
	case status.Terminal():
		_, err = s.db.Exec(
			`UPDATE runs SET status = ?, ended_at = ?, error_summary = ? WHERE id = ? AND status NOT IN ('succeeded', 'failed', 'cancelled')`,
			status, now, nullString(errorSummary), id,
		)
	default:
		_, err = s.db.Exec(`UPDATE runs SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

// FailInterruptedRuns marks runs left pending or running by a previous
// daemon as failed. It returns the number of runs updated.
func (s *Store) FailInterruptedRuns(reason string) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE runs SET status = 'failed', ended_at = ?, error_summary = ? WHERE status IN ('pending', 'running')`,
		time.Now().UTC(), reason,
	)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted runs: %w", err)
	}
	return res.RowsAffected()
}

// SetRunDevice records the compute device a run reported.
func (s *Store) SetRunDevice(id, device string) error {
	_, err := s.db.Exec(`UPDATE runs SET device = ? WHERE id = ?`, device, id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.Run, error) {
	var run models.Run
	var datasetID, name, configPath, entrypoint, errSummary, device sql.NullString
	var startedAt, endedAt sql.NullTime
	if err := row.Scan(&run.ID, &run.ProjectID, &datasetID, &name, &run.Status, &run.Backend,
		&startedAt, &endedAt, &configPath, &entrypoint, &errSummary, &device, &run.CreatedAt); err != nil {
		return nil, err
	}
	run.DatasetID = datasetID.String
	run.Name = name.String
	run.ConfigPath = configPath.String
	run.Entrypoint = entrypoint.String
	run.ErrorSummary = errSummary.String
	run.Device = device.String
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	return &run, nil
}

// GetRun retrieves a run by ID. It returns nil if none exists.
func (s *Store) GetRun(id string) (*models.Run, error) {
	run, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs, newest first, optionally filtered by project and status.
func (s *Store) ListRuns(projectID string, status models.RunStatus) ([]models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var where []string
	var args []interface{}
	if projectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, projectID)
	}
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, status)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// --- Metric Operations ---

// AddMetric records one metric sample.
func (s *Store) AddMetric(m models.Metric) error {
	_, err := s.db.Exec(
		`INSERT INTO run_metrics (run_id, step, key, value, ts) VALUES (?, ?, ?, ?, ?)`,
		m.RunID, m.Step, m.Key, m.Value, m.TS,
	)
	if err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

// GetRunMetrics returns a run's metrics in recording order, optionally for one key.
func (s *Store) GetRunMetrics(runID, key string) ([]models.Metric, error) {
	query := `SELECT run_id, step, key, value, ts FROM run_metrics WHERE run_id = ?`
	args := []interface{}{runID}
	if key != "" {
		query += ` AND key = ?`
		args = append(args, key)
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var metrics []models.Metric
	for rows.Next() {
		var m models.Metric
		if err := rows.Scan(&m.RunID, &m.Step, &m.Key, &m.Value, &m.TS); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// --- Artifact Operations ---

// AddArtifact records a file produced by a run. Unknown kinds are stored as other.
func (s *Store) AddArtifact(runID, kind, path, sha256 string, size int64) (*models.Artifact, error) {
	a := &models.Artifact{
		ID:        uuid.New().String(),
		RunID:     runID,
		Kind:      models.NormalizeArtifactKind(kind),
		Path:      path,
		SHA256:    sha256,
		SizeBytes: size,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO artifacts (id, run_id, kind, path, sha256, size_bytes, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, a.Kind, a.Path, a.SHA256, a.SizeBytes, a.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert artifact: %w", err)
	}
	return a, nil
}

// ListArtifacts returns a run's artifacts in recording order.
func (s *Store) ListArtifacts(runID string) ([]models.Artifact, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, kind, path, sha256, size_bytes, created_at FROM artifacts WHERE run_id = ? ORDER BY created_at, rowid`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []models.Artifact
	for rows.Next() {
		var a models.Artifact
		if err := rows.Scan(&a.ID, &a.RunID, &a.Kind, &a.Path, &a.SHA256, &a.SizeBytes, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}
