// Package bootstrap serves snapshots from a local JSON file: it seeds the
// client before the first network fetch, keeps the file up to date with
// every installed snapshot, and can reload it when it changes on disk.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStore persists snapshot payloads to a single file.
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore for path. The parent directory must exist
// by the time the first snapshot is saved.
func NewFileStore(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("bootstrap file path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bootstrap path: %w", err)
	}
	return &FileStore{path: abs}, nil
}

// Name implements syncer.Persister.
func (f *FileStore) Name() string { return "file" }

// Path returns the absolute file path.
func (f *FileStore) Path() string { return f.path }

// LoadSnapshot reads the file. A missing or empty file is a miss (nil, nil).
func (f *FileStore) LoadSnapshot(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bootstrap file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	return data, nil
}

// SaveSnapshot replaces the file atomically: the payload is written to a
// temporary file in the same directory and renamed over the target, so
// readers (and the Watcher) never see a half-written file.
func (f *FileStore) SaveSnapshot(ctx context.Context, payload []byte, _ int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("failed to set snapshot permissions: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("failed to replace bootstrap file: %w", err)
	}
	return nil
}
