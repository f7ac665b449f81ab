package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps artifacts under a local directory.
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore rooted at path, creating it if needed.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (f *FileStore) Reader(_ context.Context, key string) (io.ReadCloser, error) {
	name, err := f.filename(key)
	if err != nil {
		return nil, err
	}
	r, err := os.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return r, err
}

// Writer writes to a temporary file that is renamed over the final name on
// Close, so concurrent readers never observe partial content.
func (f *FileStore) Writer(_ context.Context, key string) (io.WriteCloser, error) {
	name, err := f.filename(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(name), ".tmp-"+filepath.Base(name)+"-*")
	if err != nil {
		return nil, err
	}
	return &renameOnClose{File: tmp, target: name}, nil
}

func (f *FileStore) filename(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return filepath.Join(f.path, clean), nil
}

type renameOnClose struct {
	*os.File
	target string
}

func (r *renameOnClose) Close() error {
	if err := r.File.Close(); err != nil {
		_ = os.Remove(r.Name())
		return err
	}
	return os.Rename(r.Name(), r.target)
}

// Abort drops the temporary file without publishing it.
func (r *renameOnClose) Abort() {
	_ = r.File.Close()
	_ = os.Remove(r.Name())
}
