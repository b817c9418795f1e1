// Package storage persists request artifacts on disk and keeps the job
// ledger in a SQL database.
package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spherical/doc-ocr/internal/domain"
)

// FileStore writes artifacts under a root directory. Files are written to a
// temporary name and renamed into place, so a failed or cancelled write never
// leaves a partial artifact behind.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, domain.ValidationError("output directory is required", nil)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, domain.PersistenceError("create output directory", err)
	}
	return &FileStore{root: root}, nil
}

// Root returns the store's directory.
func (s *FileStore) Root() string {
	return s.root
}

// Scope returns a store rooted at {root}/{requestID}.
func (s *FileStore) Scope(requestID string) (domain.RequestStore, error) {
	dir, err := s.Path(requestID)
	if err != nil {
		return nil, err
	}
	return NewFileStore(dir)
}

// Remove deletes the store's directory and everything under it.
func (s *FileStore) Remove() error {
	if err := os.RemoveAll(s.root); err != nil {
		return domain.PersistenceError("remove "+s.root, err)
	}
	return nil
}

// Path resolves an artifact name under the root. Names may not escape it.
func (s *FileStore) Path(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", domain.ValidationError("invalid artifact name: "+name, nil)
	}
	return filepath.Join(s.root, clean), nil
}

// WriteText implements domain.ArtifactStore.
func (s *FileStore) WriteText(ctx context.Context, name, content string) (string, error) {
	return s.WriteFile(ctx, name, func(w io.Writer) error {
		_, err := io.WriteString(w, content)
		return err
	})
}

// WriteFile implements domain.ArtifactStore.
func (s *FileStore) WriteFile(ctx context.Context, name string, write func(w io.Writer) error) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path, err := s.Path(name)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", domain.PersistenceError("create directory for "+name, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", domain.PersistenceError("create "+name, err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := write(tmp); err != nil {
		return "", domain.PersistenceError("write "+name, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", domain.PersistenceError("close "+name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		committed = true
		return "", domain.PersistenceError("rename "+name, err)
	}
	committed = true
	return path, nil
}
