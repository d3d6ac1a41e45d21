package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dropbeam/internal/server/database"
	"dropbeam/internal/server/events"

	"golang.org/x/sync/errgroup"
)

// SweepRepository is the persistence the sweeper needs.
type SweepRepository interface {
	CountExpired(ctx context.Context) (int, error)
	ClaimExpired(ctx context.Context, limit int) ([]*database.Transfer, error)
	DeleteTransfer(ctx context.Context, transferID int64) error
	ReleaseClaim(ctx context.Context, transferID int64) error
}

// SessionStore answers whether a staged upload still has a live session and
// drops sessions of uploads that will never finish.
type SessionStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// EventSink receives lifecycle events.
type EventSink interface {
	Emit(e *events.Event)
}

// SweeperConfig tunes a Sweeper. Zero values get defaults.
type SweeperConfig struct {
	BatchSize   int
	Concurrency int
	// ChunkTTL is how old an unreferenced chunk file must be before it is
	// treated as abandoned. Usually the upload session TTL.
	ChunkTTL time.Duration
}

// CleanupReport summarizes one sweep.
type CleanupReport struct {
	Candidates      int            `json:"candidates"`
	Deleted         int            `json:"deleted"`
	FilesDeleted    int            `json:"files_deleted"`
	BytesFreed      int64          `json:"bytes_freed"`
	PerBackend      map[string]int `json:"per_backend"`
	NotFound        int            `json:"not_found"`
	Failures        int            `json:"failures"`
	AbandonedChunks int            `json:"abandoned_chunks"`
	DryRun          bool           `json:"dry_run"`
	Duration        time.Duration  `json:"duration_ns"`
}

// Sweeper deletes expired transfers and their stored objects.
type Sweeper struct {
	repo     SweepRepository
	objects  *Registry
	chunks   *ChunkStore
	sessions SessionStore
	emitter  EventSink
	cfg      SweeperConfig
	now      func() time.Time
}

func NewSweeper(repo SweepRepository, objects *Registry, chunks *ChunkStore, sessions SessionStore, emitter EventSink, cfg SweeperConfig) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ChunkTTL <= 0 {
		cfg.ChunkTTL = 24 * time.Hour
	}
	return &Sweeper{
		repo:     repo,
		objects:  objects,
		chunks:   chunks,
		sessions: sessions,
		emitter:  emitter,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Pending returns how many transfers a sweep would consider.
func (s *Sweeper) Pending(ctx context.Context) (int, error) {
	return s.repo.CountExpired(ctx)
}

// Run sweeps every expired transfer. A failure on one object or transfer is
// counted and logged; the rest of the batch continues. Transfers that could
// not be fully removed keep their row and are retried on the next run.
//
// In dry-run mode nothing is deleted: the report counts what would go.
func (s *Sweeper) Run(ctx context.Context, dryRun bool) (*CleanupReport, error) {
	start := s.now()
	report := &CleanupReport{PerBackend: make(map[string]int), DryRun: dryRun}

	var (
		mu      sync.Mutex
		release []int64
	)
	defer func() {
		// Claims are held until the end of the run so a batch loop never sees
		// the same transfer twice.
		rctx := context.WithoutCancel(ctx)
		for _, id := range release {
			if err := s.repo.ReleaseClaim(rctx, id); err != nil {
				slog.Warn("failed to release sweep claim", "transfer_id", id, "error", err)
			}
		}
	}()

	for {
		batch, err := s.repo.ClaimExpired(ctx, s.cfg.BatchSize)
		if err != nil {
			return report, fmt.Errorf("failed to claim expired transfers: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		report.Candidates += len(batch)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.Concurrency)
		for _, t := range batch {
			g.Go(func() error {
				res := s.sweepTransfer(gctx, t, dryRun)

				mu.Lock()
				defer mu.Unlock()
				report.add(res)
				if dryRun || !res.deleted {
					release = append(release, t.ID)
				}
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return report, err
		}
	}

	abandoned, freed, err := s.reclaimChunks(ctx, dryRun)
	if err != nil {
		slog.Error("failed to reclaim abandoned uploads", "error", err)
		report.Failures++
	}
	report.AbandonedChunks = abandoned
	report.BytesFreed += freed

	report.Duration = s.now().Sub(start)
	if !dryRun {
		SweepRunsTotal.Inc()
		SweepDeletedTotal.Add(float64(report.Deleted))
		SweepBytesFreedTotal.Add(float64(report.BytesFreed))
		SweepFailuresTotal.Add(float64(report.Failures))
	}

	slog.Info("sweep complete",
		"candidates", report.Candidates,
		"deleted", report.Deleted,
		"bytes_freed", report.BytesFreed,
		"not_found", report.NotFound,
		"failures", report.Failures,
		"abandoned_chunks", report.AbandonedChunks,
		"dry_run", dryRun,
		"duration_ms", report.Duration.Milliseconds(),
	)
	return report, nil
}

type sweepResult struct {
	deleted    bool
	files      int
	bytes      int64
	notFound   int
	failures   int
	perBackend map[string]int
}

func (r *CleanupReport) add(res sweepResult) {
	if res.deleted {
		r.Deleted++
	}
	r.FilesDeleted += res.files
	r.BytesFreed += res.bytes
	r.NotFound += res.notFound
	r.Failures += res.failures
	for k, n := range res.perBackend {
		r.PerBackend[k] += n
	}
}

func (s *Sweeper) sweepTransfer(ctx context.Context, t *database.Transfer, dryRun bool) sweepResult {
	res := sweepResult{perBackend: make(map[string]int)}

	for _, f := range t.Files {
		if !f.Finalized() {
			if f.UploadKey != nil && !dryRun {
				if err := s.sessions.Delete(ctx, *f.UploadKey); err != nil {
					slog.Warn("failed to drop pending upload", "transfer_uuid", t.UUID, "upload_key", *f.UploadKey, "error", err)
				}
			}
			continue
		}

		kind := ""
		if f.StorageBackend != nil {
			kind = *f.StorageBackend
		}
		err := s.deleteObject(ctx, kind, *f.StoragePath, dryRun)
		switch {
		case errors.Is(err, ErrObjectNotFound):
			slog.Warn("stored object already missing",
				"transfer_uuid", t.UUID, "backend", kind, "key", *f.StoragePath)
			res.notFound++
		case err != nil:
			slog.Error("failed to delete stored object",
				"transfer_uuid", t.UUID, "backend", kind, "key", *f.StoragePath, "error", err)
			res.failures++
		default:
			res.files++
			res.bytes += f.Size
			res.perBackend[kind]++
		}
	}

	if res.failures > 0 || dryRun {
		return res
	}

	if err := s.repo.DeleteTransfer(ctx, t.ID); err != nil && !errors.Is(err, database.ErrTransferNotFound) {
		slog.Error("failed to delete expired transfer", "transfer_uuid", t.UUID, "error", err)
		res.failures++
		return res
	}
	res.deleted = true

	s.emitter.Emit(&events.Event{
		Type:         events.TransferDeleted,
		TransferUUID: t.UUID,
		Hash:         t.Hash,
		FileCount:    len(t.Files),
		Size:         t.TotalSize,
		Reason:       "expired",
	})
	slog.Info("swept expired transfer", "transfer_uuid", t.UUID, "expired_at", t.ExpiryAt, "files", res.files)
	return res
}

// deleteObject returns ErrObjectNotFound when there was nothing to delete.
func (s *Sweeper) deleteObject(ctx context.Context, kind, key string, dryRun bool) error {
	store, err := s.objects.Get(kind)
	if err != nil {
		return err
	}
	ok, err := store.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrObjectNotFound
	}
	if dryRun {
		return nil
	}
	return store.Delete(ctx, key)
}

// reclaimChunks removes staged uploads whose session has lapsed.
func (s *Sweeper) reclaimChunks(ctx context.Context, dryRun bool) (int, int64, error) {
	if s.chunks == nil {
		return 0, 0, nil
	}
	stale, err := s.chunks.ListOlderThan(s.now().Add(-s.cfg.ChunkTTL))
	if err != nil {
		return 0, 0, err
	}

	var (
		count int
		freed int64
	)
	for _, c := range stale {
		live, err := s.sessions.Exists(ctx, c.Key)
		if err != nil {
			return count, freed, fmt.Errorf("failed to check session %s: %w", c.Key, err)
		}
		if live {
			continue
		}
		if !dryRun {
			if err := s.chunks.Delete(c.Key); err != nil {
				slog.Warn("failed to delete abandoned chunk", "upload_key", c.Key, "error", err)
				continue
			}
		}
		count++
		freed += c.Size
	}
	return count, freed, nil
}

// CleanupService runs the sweeper on a fixed interval.
type CleanupService struct {
	sweeper  *Sweeper
	interval time.Duration
	done     chan struct{}
}

func NewCleanupService(sweeper *Sweeper, interval time.Duration) *CleanupService {
	return &CleanupService{
		sweeper:  sweeper,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins the cleanup loop in a background goroutine.
func (cs *CleanupService) Start(ctx context.Context) {
	slog.Info("cleanup service started", "interval", cs.interval)

	go func() {
		defer close(cs.done)

		ticker := time.NewTicker(cs.interval)
		defer ticker.Stop()

		// Run once immediately on start
		cs.runCleanup(ctx)

		for {
			select {
			case <-ticker.C:
				cs.runCleanup(ctx)
			case <-ctx.Done():
				slog.Info("cleanup service stopping")
				return
			}
		}
	}()
}

// Wait blocks until the cleanup service has fully stopped.
func (cs *CleanupService) Wait() {
	<-cs.done
}

func (cs *CleanupService) runCleanup(ctx context.Context) {
	if _, err := cs.sweeper.Run(ctx, false); err != nil && ctx.Err() == nil {
		slog.Error("cleanup cycle failed", "error", err)
	}
}
