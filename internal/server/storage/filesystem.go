package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// KindLocal labels files kept on the local filesystem.
const KindLocal = "local"

// FileSystemStore stores finalized files on the local filesystem.
type FileSystemStore struct {
	basePath string
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

// EnsureDir creates the storage directory if it doesn't exist.
func (fs *FileSystemStore) EnsureDir() error {
	if err := os.MkdirAll(fs.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", fs.basePath, err)
	}
	return nil
}

func (fs *FileSystemStore) Kind() string { return KindLocal }

// Put writes data under key. The object only becomes visible once fully
// written, so a failed or retried Put never leaves a truncated file behind.
func (fs *FileSystemStore) Put(ctx context.Context, key string, data io.Reader, size int64) error {
	filePath, err := fs.filePath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".put-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, contextReader{ctx: ctx, r: data})
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if size >= 0 && n != size {
		tmp.Close()
		return fmt.Errorf("short write for %s: wrote %d of %d bytes", key, n, size)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}

	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

// Get opens a stored object. The returned *os.File supports seeking, which
// lets the HTTP layer serve byte ranges.
func (fs *FileSystemStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	filePath, err := fs.filePath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

// Delete removes a stored object. Removing a missing object is not an error.
func (fs *FileSystemStore) Delete(ctx context.Context, key string) error {
	filePath, err := fs.filePath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file %s: %w", filePath, err)
	}
	// Drop the per-transfer directory once it is empty.
	if dir := filepath.Dir(filePath); dir != filepath.Clean(fs.basePath) {
		_ = os.Remove(dir)
	}
	return nil
}

func (fs *FileSystemStore) Exists(ctx context.Context, key string) (bool, error) {
	filePath, err := fs.filePath(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(filePath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat file: %w", err)
	}
	return true, nil
}

// GetPath returns the absolute path to a stored object.
// Returns ErrObjectNotFound if the file does not exist.
func (fs *FileSystemStore) GetPath(key string) (string, error) {
	filePath, err := fs.filePath(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(filePath); err != nil {
		if os.IsNotExist(err) {
			return "", ErrObjectNotFound
		}
		return "", fmt.Errorf("failed to stat file: %w", err)
	}
	return filePath, nil
}

// filePath maps a key to a path under basePath, rejecting keys that escape it.
func (fs *FileSystemStore) filePath(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	p := filepath.Join(fs.basePath, clean)
	if !strings.HasPrefix(p, filepath.Clean(fs.basePath)+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return p, nil
}

// contextReader stops a copy once ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
