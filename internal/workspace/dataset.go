package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// StorageMode says whether an imported dataset lives in the workspace.
type StorageMode string

const (
	// StorageCopy duplicates the files into the workspace.
	StorageCopy StorageMode = "copy"
	// StorageReference records the source path and fingerprint only.
	StorageReference StorageMode = "reference"
)

// ErrInvalidStorageMode is returned for a mode other than copy or reference.
var ErrInvalidStorageMode = errors.New("invalid storage mode")

// ParseStorageMode validates a storage mode string. Empty means copy.
func ParseStorageMode(s string) (StorageMode, error) {
	switch StorageMode(s) {
	case "", StorageCopy:
		return StorageCopy, nil
	case StorageReference:
		return StorageReference, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStorageMode, s)
}

// DatasetManifest is written once when a dataset is imported.
type DatasetManifest struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	SourcePath  string               `json:"source_path"`
	StorageMode StorageMode          `json:"storage_mode"`
	Fingerprint DirectoryFingerprint `json:"fingerprint"`
	CreatedAt   string               `json:"created_at"`
}

// ImportRequest describes a dataset import.
type ImportRequest struct {
	ProjectID  string
	DatasetID  string
	Name       string
	SourcePath string
	Mode       StorageMode
}

// ImportDataset fingerprints the source directory, copies it into the
// workspace when the mode is copy, and writes manifest.json.
func ImportDataset(ws *Workspace, req ImportRequest) (*DatasetManifest, error) {
	mode, err := ParseStorageMode(string(req.Mode))
	if err != nil {
		return nil, err
	}
	source, err := filepath.Abs(req.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	if resolved, err := filepath.EvalSymlinks(source); err == nil {
		source = resolved
	}
	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("%w: dataset source: %w", ErrIO, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: dataset source %s is not a directory", ErrIO, source)
	}

	fp, err := FingerprintDirectory(source)
	if err != nil {
		return nil, err
	}

	dir := ws.DatasetDir(req.ProjectID, req.DatasetID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	if mode == StorageCopy {
		if err := copyTree(source, ws.DatasetRawDir(req.ProjectID, req.DatasetID)); err != nil {
			return nil, err
		}
	}

	m := &DatasetManifest{
		ID:          req.DatasetID,
		Name:        req.Name,
		SourcePath:  source,
		StorageMode: mode,
		Fingerprint: *fp,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(ws.DatasetManifestPath(req.ProjectID, req.DatasetID), data, 0o644); err != nil {
		return nil, fmt.Errorf("%w: write manifest: %w", ErrIO, err)
	}
	return m, nil
}

// LoadManifest reads a dataset's manifest.json.
func LoadManifest(ws *Workspace, projectID, datasetID string) (*DatasetManifest, error) {
	data, err := os.ReadFile(ws.DatasetManifestPath(projectID, datasetID))
	if err != nil {
		return nil, fmt.Errorf("%w: read manifest: %w", ErrIO, err)
	}
	var m DatasetManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// ResolveDatasetPath returns the directory a trainer should read: the
// workspace copy for copy mode, the original source for reference mode.
func ResolveDatasetPath(ws *Workspace, projectID string, m *DatasetManifest) string {
	if m.StorageMode == StorageReference {
		return m.SourcePath
	}
	return ws.DatasetRawDir(projectID, m.ID)
}

// copyTree copies regular files and directories from src into dst. The copy
// is staged next to dst and renamed into place so dst is never half written.
func copyTree(src, dst string) error {
	staging := dst + ".partial"
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	src, err := resolveRoot(src)
	if err != nil {
		return err
	}

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(staging, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			return copyFile(path, target)
		default:
			return nil
		}
	})
	if err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("%w: copy dataset: %w", ErrIO, err)
	}

	if err := os.RemoveAll(dst); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	if err := os.Rename(staging, dst); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
