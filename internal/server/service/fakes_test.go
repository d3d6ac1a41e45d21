package service

import (
	"sync"
	"testing"
	"time"

	"dropbeam/internal/server/events"
	"dropbeam/internal/server/service/servicetest"
	"dropbeam/internal/server/storage"
	"dropbeam/internal/server/upload"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type recordingSink struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recordingSink) Emit(e *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) Types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Type
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// harness wires the services against in-memory and miniredis collaborators.
type harness struct {
	store     *servicetest.Store
	objects   *storage.MemoryStore
	registry  *storage.Registry
	sink      *recordingSink
	mr        *miniredis.Miniredis
	tracker   *upload.Tracker
	chunks    *storage.ChunkStore
	transfers *TransferService
	finalizer *Finalizer
	uploads   *UploadService
	gate      *AccessGate
	tokens    *TokenIssuer
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	chunks := storage.NewChunkStore(t.TempDir())
	require.NoError(t, chunks.EnsureDir())

	h := &harness{
		store:   servicetest.NewStore(),
		objects: storage.NewMemoryStore("memory"),
		sink:    &recordingSink{},
		mr:      mr,
		chunks:  chunks,
	}
	h.registry = storage.NewRegistry(h.objects)
	h.tracker = upload.NewTracker(client, chunks, upload.TrackerConfig{
		Policy: upload.Policy{MaxSize: 64 << 20, Denied: []string{"exe"}},
		TTL:    24 * time.Hour,
	})

	h.transfers = NewTransferService(h.store, h.registry, h.sink, TransferPolicy{
		DefaultExpiryDays: 7,
		MinExpiryDays:     1,
		MaxExpiryDays:     30,
		BaseURL:           "https://drop.example",
	})
	h.transfers.bcryptCost = bcrypt.MinCost

	h.finalizer = NewFinalizer(h.store, h.tracker, h.registry, h.sink, 3)
	h.finalizer.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	h.uploads = NewUploadService(h.transfers, h.tracker, h.finalizer)
	h.tokens = NewTokenIssuer([]byte("0123456789abcdef0123456789abcdef"), 24*time.Hour)
	h.gate = NewAccessGate(h.transfers, h.tokens, NewAttemptLimiter(client, 5, time.Minute), h.sink)
	return h
}

func intPtr(v int) *int { return &v }
