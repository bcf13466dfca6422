package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
)

// FileEntry is one hashed file of a fingerprinted directory.
type FileEntry struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// DirectoryFingerprint is the content address of a directory tree.
type DirectoryFingerprint struct {
	Fingerprint string      `json:"fingerprint"`
	TotalSize   int64       `json:"total_size"`
	FileCount   int         `json:"file_count"`
	Files       []FileEntry `json:"files"`
}

// HashFile returns the hex SHA-256 of a file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrIO, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("%w: read %s: %w", ErrIO, path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FingerprintDirectory hashes every regular file under root. Files are
// ordered by their slash-separated relative path, and the digest is the
// SHA-256 of each entry's path followed by its hash, so the result does not
// depend on walk order or host. A symlinked root is resolved; symlinks below
// it are not followed or hashed.
func FingerprintDirectory(root string) (*DirectoryFingerprint, error) {
	root, err := resolveRoot(root)
	if err != nil {
		return nil, err
	}

	var files []FileEntry
	var abs []string

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, FileEntry{Path: filepath.ToSlash(rel), Size: info.Size()})
		abs = append(abs, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: walk %s: %w", ErrIO, root, err)
	}

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i := range files {
		i := i
		g.Go(func() error {
			hash, err := HashFile(abs[i])
			if err != nil {
				return err
			}
			files[i].Hash = hash
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	fp := &DirectoryFingerprint{
		Fingerprint: digestEntries(files),
		FileCount:   len(files),
		Files:       files,
	}
	for _, f := range files {
		fp.TotalSize += f.Size
	}
	if fp.Files == nil {
		fp.Files = []FileEntry{}
	}
	return fp, nil
}

// resolveRoot follows symlinks in root so WalkDir descends into the target.
func resolveRoot(root string) (string, error) {
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("%w: resolve %s: %w", ErrIO, root, err)
	}
	return resolved, nil
}

// digestEntries combines sorted entries into the directory digest. Path and
// hash are concatenated without a separator; existing manifests depend on
// this exact format.
func digestEntries(files []FileEntry) string {
	h := sha256.New()
	for _, f := range files {
		h.Write([]byte(f.Path))
		h.Write([]byte(f.Hash))
	}
	return hex.EncodeToString(h.Sum(nil))
}
