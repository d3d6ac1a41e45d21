package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrChunkNotFound       = errors.New("chunk data not found")
	ErrChunkOffsetMismatch = errors.New("chunk offset does not match stored length")
	ErrChunkTooLarge       = errors.New("chunk exceeds remaining upload length")
)

// ChunkStore stages in-progress upload bytes on local disk, one file per
// upload key. The length of the file is the durable upload offset.
type ChunkStore struct {
	basePath string
}

// ChunkInfo describes a staged chunk file.
type ChunkInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

func NewChunkStore(basePath string) *ChunkStore {
	return &ChunkStore{basePath: basePath}
}

// EnsureDir creates the staging directory if it doesn't exist.
func (cs *ChunkStore) EnsureDir() error {
	if err := os.MkdirAll(cs.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create chunk directory %s: %w", cs.basePath, err)
	}
	return nil
}

// Create makes an empty staging file for a new upload.
func (cs *ChunkStore) Create(key string) error {
	p, err := cs.path(key)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create chunk file: %w", err)
	}
	return f.Close()
}

// Append writes data at offset, which must equal the current stored length.
// At most limit bytes are accepted; a body longer than limit is rejected and
// the file is restored to offset. Bytes received before a read error are kept
// and synced, and their count is returned with the error so the caller can
// advance the offset to what is durable.
func (cs *ChunkStore) Append(ctx context.Context, key string, offset int64, data io.Reader, limit int64) (int64, error) {
	p, err := cs.path(key)
	if err != nil {
		return 0, err
	}

	f, err := os.OpenFile(p, os.O_WRONLY, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrChunkNotFound
		}
		return 0, fmt.Errorf("failed to open chunk file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat chunk file: %w", err)
	}
	if info.Size() != offset {
		return 0, fmt.Errorf("%w: stored %d, requested %d", ErrChunkOffsetMismatch, info.Size(), offset)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to seek chunk file: %w", err)
	}

	src := contextReader{ctx: ctx, r: data}
	n, copyErr := io.Copy(f, io.LimitReader(src, limit))

	if copyErr == nil && n == limit {
		// Anything left in the body means the client sent more than declared.
		var probe [1]byte
		if extra, _ := src.Read(probe[:]); extra > 0 {
			if err := f.Truncate(offset); err != nil {
				return 0, fmt.Errorf("failed to roll back oversized chunk: %w", err)
			}
			return 0, ErrChunkTooLarge
		}
	}

	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync chunk file: %w", err)
	}
	if copyErr != nil {
		return n, fmt.Errorf("failed to write chunk: %w", copyErr)
	}
	return n, nil
}

// Size returns the durable length of a staged upload.
func (cs *ChunkStore) Size(key string) (int64, error) {
	p, err := cs.path(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrChunkNotFound
		}
		return 0, fmt.Errorf("failed to stat chunk file: %w", err)
	}
	return info.Size(), nil
}

// Open streams the staged bytes of an upload.
func (cs *ChunkStore) Open(key string) (io.ReadCloser, error) {
	p, err := cs.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrChunkNotFound
		}
		return nil, fmt.Errorf("failed to open chunk file: %w", err)
	}
	return f, nil
}

// Delete removes staged data. Deleting a missing upload is not an error.
func (cs *ChunkStore) Delete(key string) error {
	p, err := cs.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete chunk file: %w", err)
	}
	return nil
}

// ListOlderThan returns staged uploads not modified since cutoff.
func (cs *ChunkStore) ListOlderThan(cutoff time.Time) ([]ChunkInfo, error) {
	entries, err := os.ReadDir(cs.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list chunk directory: %w", err)
	}

	var out []ChunkInfo
	for _, e := range entries {
		if e.IsDir() || !validKey(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			out = append(out, ChunkInfo{Key: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
		}
	}
	return out, nil
}

func (cs *ChunkStore) path(key string) (string, error) {
	if !validKey(key) {
		return "", fmt.Errorf("invalid upload key %q", key)
	}
	return filepath.Join(cs.basePath, key), nil
}

// validKey accepts the alphanumeric keys issued by the session tracker.
func validKey(key string) bool {
	if len(key) == 0 || len(key) > 64 {
		return false
	}
	for _, c := range key {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}
