package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

// ErrObjectNotFound is returned when a key does not exist in a backend.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is permanent storage for finalized transfer files. Callers never
// branch on the concrete backend; Kind exists for labeling only.
type ObjectStore interface {
	Kind() string
	Put(ctx context.Context, key string, data io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Registry tracks the configured backends by kind. Writes go to the primary
// backend; reads and deletes resolve the backend a file was written to.
type Registry struct {
	mu       sync.RWMutex
	primary  string
	backends map[string]ObjectStore
}

// NewRegistry creates a registry whose primary backend receives new files.
func NewRegistry(primary ObjectStore, others ...ObjectStore) *Registry {
	r := &Registry{
		primary:  primary.Kind(),
		backends: make(map[string]ObjectStore),
	}
	r.backends[primary.Kind()] = primary
	for _, b := range others {
		r.backends[b.Kind()] = b
	}
	return r
}

// Primary returns the backend new files are written to.
func (r *Registry) Primary() ObjectStore {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backends[r.primary]
}

// Get resolves a backend by kind. An empty kind means the primary backend.
func (r *Registry) Get(kind string) (ObjectStore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if kind == "" {
		kind = r.primary
	}
	b, ok := r.backends[kind]
	if !ok {
		return nil, fmt.Errorf("unknown storage backend %q", kind)
	}
	return b, nil
}

// Add registers or replaces a backend.
func (r *Registry) Add(b ObjectStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Kind()] = b
}

// Kinds lists registered backend kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.backends))
	for k := range r.backends {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ObjectKey is the permanent key for a file: namespaced per transfer so two
// transfers can carry files with the same name.
func ObjectKey(transferUUID string, fileID int64, name string) string {
	return fmt.Sprintf("transfers/%s/%d-%s", transferUUID, fileID, name)
}
