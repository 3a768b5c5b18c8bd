// Package storage abstracts artifact placement behind a small put/get/delete
// capability so the core never cares whether documents live on local disk or
// in an object store. One implementation per concrete store, selected at
// startup.
package storage

import (
	"errors"
	"io"
	"os"
	"path/filepath"
)

// ErrNotExist indicates the referenced artifact is already gone. Deletion
// paths treat it as success.
var ErrNotExist = errors.New("artifact does not exist")

// ArtifactStore is the storage capability consumed by the core.
type ArtifactStore interface {
	// Put stores the file at localPath under objectName and returns the
	// canonical URI future calls should use.
	Put(localPath, objectName string) (string, error)
	// GetStream opens the artifact for reading and returns its display name.
	// The caller closes the stream.
	GetStream(uri string) (io.ReadCloser, string, error)
	// Delete removes the artifact. Deleting a missing artifact is not an
	// error.
	Delete(uri string) error
}

// LocalStore keeps artifacts on the local filesystem under a base directory.
type LocalStore struct {
	baseDir string
}

// NewLocalStore constructs a LocalStore rooted at baseDir, creating it when
// missing.
func NewLocalStore(baseDir string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	return &LocalStore{baseDir: baseDir}, nil
}

// Put links the object into the store's directory. When localPath already
// lives under the base directory it is kept in place and returned as-is.
func (s *LocalStore) Put(localPath, objectName string) (string, error) {
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	dest := filepath.Join(s.baseDir, objectName)
	if abs, err := filepath.Abs(localPath); err == nil {
		if destAbs, err := filepath.Abs(dest); err == nil && abs == destAbs {
			return dest, nil
		}
	}
	if err := copyFile(localPath, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// GetStream opens the artifact at uri (a local path for this store).
func (s *LocalStore) GetStream(uri string) (io.ReadCloser, string, error) {
	f, err := os.Open(uri)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrNotExist
		}
		return nil, "", err
	}
	return f, filepath.Base(uri), nil
}

// Delete removes the artifact; a missing file counts as already deleted.
func (s *LocalStore) Delete(uri string) error {
	if uri == "" {
		return nil
	}
	if err := os.Remove(uri); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
