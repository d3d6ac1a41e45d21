// Package servicetest provides in-memory collaborators for exercising the
// transfer services without Postgres.
package servicetest

import (
	"context"
	"sync"
	"time"

	"dropbeam/internal/server/database"
)

// Store is an in-memory transfer store with the same conditional update
// semantics as the Postgres repository.
type Store struct {
	mu        sync.Mutex
	nextID    int64
	transfers map[int64]*database.Transfer
	files     map[int64]*database.TransferFile

	collisions int
	claimed    map[int64]bool
}

func NewStore() *Store {
	return &Store{
		transfers: make(map[int64]*database.Transfer),
		files:     make(map[int64]*database.TransferFile),
		claimed:   make(map[int64]bool),
	}
}

func (m *Store) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *Store) CreateTransfer(ctx context.Context, t *database.Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.collisions > 0 {
		m.collisions--
		return database.ErrHashTaken
	}
	for _, other := range m.transfers {
		if other.Hash == t.Hash {
			return database.ErrHashTaken
		}
	}
	t.ID = m.id()
	t.CreatedAt = time.Now().UTC()
	t.UpdatedAt = t.CreatedAt
	cp := *t
	cp.Files = nil
	m.transfers[t.ID] = &cp
	return nil
}

func (m *Store) load(t *database.Transfer) *database.Transfer {
	cp := *t
	cp.Files = nil
	for id := int64(1); id <= m.nextID; id++ {
		if f, ok := m.files[id]; ok && f.TransferID == t.ID {
			fc := *f
			cp.Files = append(cp.Files, &fc)
		}
	}
	return &cp
}

func (m *Store) GetTransfer(ctx context.Context, ident string) (*database.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transfers {
		if t.UUID == ident || t.Hash == ident {
			return m.load(t), nil
		}
	}
	return nil, database.ErrTransferNotFound
}

func (m *Store) GetTransferByID(ctx context.Context, id int64) (*database.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[id]
	if !ok {
		return nil, database.ErrTransferNotFound
	}
	return m.load(t), nil
}

func (m *Store) CreateFile(ctx context.Context, f *database.TransferFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.ID = m.id()
	f.CreatedAt = time.Now().UTC()
	cp := *f
	m.files[f.ID] = &cp
	return nil
}

func (m *Store) GetFile(ctx context.Context, transferID, fileID int64) (*database.TransferFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[fileID]
	if !ok || f.TransferID != transferID {
		return nil, database.ErrFileNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *Store) FinalizeFile(ctx context.Context, fileID int64, storagePath, backend, checksum string, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[fileID]
	if !ok || f.StoragePath != nil {
		return database.ErrFileAlreadyFinalized
	}
	now := time.Now().UTC()
	f.StoragePath = &storagePath
	f.StorageBackend = &backend
	f.Checksum = &checksum
	f.Size = size
	f.UploadKey = nil
	f.FinalizedAt = &now
	return nil
}

func (m *Store) DeleteFile(ctx context.Context, fileID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[fileID]; !ok {
		return database.ErrFileNotFound
	}
	delete(m.files, fileID)
	return nil
}

func (m *Store) CompleteTransfer(ctx context.Context, transferID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[transferID]
	if !ok || t.Status != database.StatusUploading {
		return false, nil
	}
	var finalized int
	var total int64
	for _, f := range m.files {
		if f.TransferID != transferID {
			continue
		}
		total += f.Size
		if f.StoragePath != nil {
			finalized++
		}
	}
	if finalized < t.FileCount {
		return false, nil
	}
	now := time.Now().UTC()
	t.Status = database.StatusCompleted
	t.CompletedAt = &now
	t.TotalSize = total
	return true, nil
}

func (m *Store) MarkFailed(ctx context.Context, transferID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.transfers[transferID]; ok && t.Status == database.StatusUploading {
		t.Status = database.StatusFailed
	}
	return nil
}

func (m *Store) UpdatePassword(ctx context.Context, transferID int64, passwordHash *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[transferID]
	if !ok {
		return database.ErrTransferNotFound
	}
	t.PasswordHash = passwordHash
	return nil
}

func (m *Store) IncrementDownloadCount(ctx context.Context, transferID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[transferID]
	if !ok || (t.MaxDownloads != nil && t.DownloadCount >= *t.MaxDownloads) {
		return 0, database.ErrDownloadLimitReached
	}
	t.DownloadCount++
	return t.DownloadCount, nil
}

func (m *Store) DeleteTransfer(ctx context.Context, transferID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transfers[transferID]; !ok {
		return database.ErrTransferNotFound
	}
	delete(m.transfers, transferID)
	for id, f := range m.files {
		if f.TransferID == transferID {
			delete(m.files, id)
		}
	}
	return nil
}

func (m *Store) GetStats(ctx context.Context) (*database.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	stats := &database.Stats{TotalTransfers: int64(len(m.transfers)), TotalFiles: int64(len(m.files))}
	for _, t := range m.transfers {
		stats.TotalDownloads += int64(t.DownloadCount)
		if t.ExpiryAt != nil && !t.ExpiryAt.After(now) {
			stats.ExpiredTransfers++
			continue
		}
		stats.ActiveTransfers++
		stats.StorageUsed += t.TotalSize
	}
	return stats, nil
}

func (m *Store) expired(t *database.Transfer, now time.Time) bool {
	return t.ExpiryAt != nil && t.ExpiryAt.Before(now)
}

func (m *Store) CountExpired(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	n := 0
	for _, t := range m.transfers {
		if m.expired(t, now) {
			n++
		}
	}
	return n, nil
}

// ClaimExpired hands out each expired transfer once until its claim is released.
func (m *Store) ClaimExpired(ctx context.Context, limit int) ([]*database.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []*database.Transfer
	for id := int64(1); id <= m.nextID && len(out) < limit; id++ {
		t, ok := m.transfers[id]
		if !ok || m.claimed[id] || !m.expired(t, now) {
			continue
		}
		m.claimed[id] = true
		out = append(out, m.load(t))
	}
	return out, nil
}

func (m *Store) ReleaseClaim(ctx context.Context, transferID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claimed, transferID)
	return nil
}

// SetCollisions makes the next n CreateTransfer calls report a hash collision.
func (m *Store) SetCollisions(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collisions = n
}

// Transfer returns the stored row itself rather than a copy.
func (m *Store) Transfer(id int64) *database.Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transfers[id]
}
