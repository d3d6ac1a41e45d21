package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// MemoryStore keeps objects in memory. Used in tests and for throwaway setups.
type MemoryStore struct {
	mu      sync.RWMutex
	kind    string
	objects map[string][]byte

	// FailPuts makes the next n Put calls fail.
	FailPuts int
	// FailDeletes makes every Delete fail.
	FailDeletes bool
}

func NewMemoryStore(kind string) *MemoryStore {
	return &MemoryStore{kind: kind, objects: make(map[string][]byte)}
}

func (m *MemoryStore) Kind() string { return m.kind }

func (m *MemoryStore) Put(ctx context.Context, key string, data io.Reader, size int64) error {
	m.mu.Lock()
	if m.FailPuts > 0 {
		m.FailPuts--
		m.mu.Unlock()
		return fmt.Errorf("put %s: simulated backend failure", key)
	}
	m.mu.Unlock()

	buf, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("read data: %w", err)
	}
	if size >= 0 && int64(len(buf)) != size {
		return fmt.Errorf("short write for %s: got %d of %d bytes", key, len(buf), size)
	}

	m.mu.Lock()
	m.objects[key] = buf
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	buf, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(buf)), nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailDeletes {
		return fmt.Errorf("delete %s: simulated backend failure", key)
	}
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
