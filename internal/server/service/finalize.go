package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"dropbeam/internal/server/database"
	"dropbeam/internal/server/events"
	"dropbeam/internal/server/storage"
	"dropbeam/internal/server/upload"

	"github.com/cenkalti/backoff/v4"
	"github.com/getsentry/sentry-go"
	"github.com/minio/sha256-simd"
)

// Finalizer moves completed uploads from the chunk store to permanent storage.
// The staged bytes stay in place until the permanent write is confirmed, which
// makes every attempt safe to repeat.
type Finalizer struct {
	store      TransferStore
	tracker    *upload.Tracker
	objects    *storage.Registry
	emitter    EventSink
	maxRetries int

	newBackOff func() backoff.BackOff
}

func NewFinalizer(store TransferStore, tracker *upload.Tracker, objects *storage.Registry, emitter EventSink, maxRetries int) *Finalizer {
	return &Finalizer{
		store:      store,
		tracker:    tracker,
		objects:    objects,
		emitter:    emitter,
		maxRetries: maxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 5 * time.Minute
			return b
		},
	}
}

// Finalize stores the bytes of a complete session, records the file location
// and completes the transfer when it was the last outstanding file. It returns
// the completed transfer, or nil while other files are still pending.
func (f *Finalizer) Finalize(ctx context.Context, s *upload.Session) (*database.Transfer, error) {
	start := time.Now()
	primary := f.objects.Primary()
	key := storage.ObjectKey(s.TransferUUID, s.FileID, sanitizeFilename(s.Filename))

	log := slog.With(
		"upload_key", s.Key,
		"transfer_uuid", s.TransferUUID,
		"file_id", s.FileID,
		"backend", primary.Kind(),
	)

	var checksum string
	var alreadyStored bool
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			FinalizationsTotal.WithLabelValues("retry").Inc()
		}

		src, err := f.tracker.OpenData(s.Key)
		if err != nil {
			if errors.Is(err, storage.ErrChunkNotFound) {
				// A concurrent run drops the staged copy only after recording
				// the file, so a recorded file means there is nothing left to do.
				if file, getErr := f.store.GetFile(ctx, s.TransferID, s.FileID); getErr == nil && file.Finalized() {
					alreadyStored = true
					return nil
				}
				return backoff.Permanent(err)
			}
			return err
		}
		defer src.Close()

		h := sha256.New()
		if err := primary.Put(ctx, key, io.TeeReader(src, h), s.DeclaredSize); err != nil {
			return err
		}
		checksum = hex.EncodeToString(h.Sum(nil))
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(f.newBackOff(), uint64(f.maxRetries)), ctx)
	notify := func(err error, wait time.Duration) {
		log.Warn("permanent storage write failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, f.giveUp(ctx, s, primary.Kind(), err)
	}

	if alreadyStored {
		log.Info("file already finalized")
		return f.complete(ctx, s, log)
	}

	if err := f.store.FinalizeFile(ctx, s.FileID, key, primary.Kind(), checksum, s.DeclaredSize); err != nil {
		if !errors.Is(err, database.ErrFileAlreadyFinalized) {
			return nil, err
		}
		// Either an earlier attempt already recorded the file, or the file
		// row is gone because the transfer was deleted mid-upload.
		if _, getErr := f.store.GetFile(ctx, s.TransferID, s.FileID); errors.Is(getErr, database.ErrFileNotFound) {
			if delErr := primary.Delete(ctx, key); delErr != nil {
				log.Warn("failed to remove orphaned object", "error", delErr)
			}
			if delErr := f.tracker.Delete(ctx, s.Key); delErr != nil {
				log.Warn("failed to remove upload session", "error", delErr)
			}
			return nil, ErrNotFound
		}
	}

	if err := f.tracker.Delete(ctx, s.Key); err != nil {
		// The file is already safe in permanent storage; the sweeper reclaims
		// the staged copy once the session expires.
		log.Warn("failed to remove staged upload", "error", err)
	}

	FinalizationsTotal.WithLabelValues("success").Inc()
	FinalizeDuration.Observe(time.Since(start).Seconds())
	log.Info("file finalized", "size", s.DeclaredSize, "checksum", checksum, "attempts", attempt)
	return f.complete(ctx, s, log)
}

// complete closes the transfer when s was its last outstanding file. Only the
// run that flips the status emits TransferCreated.
func (f *Finalizer) complete(ctx context.Context, s *upload.Session, log *slog.Logger) (*database.Transfer, error) {
	completed, err := f.store.CompleteTransfer(ctx, s.TransferID)
	if err != nil {
		return nil, err
	}
	if !completed {
		return nil, nil
	}

	t, err := f.store.GetTransferByID(ctx, s.TransferID)
	if err != nil {
		return nil, err
	}
	f.emitter.Emit(&events.Event{
		Type:         events.TransferCreated,
		TransferUUID: t.UUID,
		Hash:         t.Hash,
		FileCount:    len(t.Files),
		Size:         t.TotalSize,
	})
	log.Info("transfer completed", "files", len(t.Files), "total_size", t.TotalSize)
	return t, nil
}

// giveUp marks the transfer failed after retries are exhausted. The staged
// bytes are kept for manual recovery; only the session record is dropped.
func (f *Finalizer) giveUp(ctx context.Context, s *upload.Session, backend string, cause error) error {
	FinalizationsTotal.WithLabelValues("failure").Inc()
	slog.Error("finalization failed",
		"upload_key", s.Key,
		"transfer_uuid", s.TransferUUID,
		"file_id", s.FileID,
		"error", cause,
	)
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("transfer_uuid", s.TransferUUID)
		scope.SetTag("upload_key", s.Key)
		sentry.CaptureException(cause)
	})

	// The request may already be gone; the bookkeeping must still happen.
	bg := context.WithoutCancel(ctx)
	if err := f.store.MarkFailed(bg, s.TransferID); err != nil {
		slog.Error("failed to mark transfer failed", "transfer_uuid", s.TransferUUID, "error", err)
	}
	if err := f.tracker.Forget(bg, s.Key); err != nil {
		slog.Warn("failed to drop upload session", "upload_key", s.Key, "error", err)
	}

	f.emitter.Emit(&events.Event{
		Type:         events.UploadFailed,
		TransferUUID: s.TransferUUID,
		FileName:     s.Filename,
		Size:         s.DeclaredSize,
		Reason:       cause.Error(),
	})
	return &StorageError{Op: "finalize", Backend: backend, Err: fmt.Errorf("giving up: %w", cause)}
}
