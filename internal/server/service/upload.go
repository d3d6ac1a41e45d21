package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"

	"dropbeam/internal/server/database"
	"dropbeam/internal/server/storage"
	"dropbeam/internal/server/upload"

	"golang.org/x/sync/errgroup"
)

// multipartConcurrency bounds how many files of one multipart request are
// staged and finalized at once.
const multipartConcurrency = 4

// CreateUploadRequest starts one resumable file upload.
type CreateUploadRequest struct {
	Filename string
	MimeType string
	Size     int64
	// Transfer joins an existing uploading transfer (uuid or hash). When empty
	// a single-file transfer is created from Options.
	Transfer string
	// Token is the deletion token of Transfer. Only its owner may add files.
	Token    string
	Options  TransferOptions
}

// FilePart is one whole file of a multipart upload.
type FilePart struct {
	Filename string
	MimeType string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

// UploadService runs the resumable upload protocol on top of the session
// tracker and hands complete uploads to the finalizer.
type UploadService struct {
	transfers *TransferService
	store     TransferStore
	tracker   *upload.Tracker
	finalizer *Finalizer
}

func NewUploadService(transfers *TransferService, tracker *upload.Tracker, finalizer *Finalizer) *UploadService {
	return &UploadService{
		transfers: transfers,
		store:     transfers.store,
		tracker:   tracker,
		finalizer: finalizer,
	}
}

// MaxSize is the largest accepted upload.
func (s *UploadService) MaxSize() int64 {
	return s.tracker.Policy().MaxSize
}

// CreateUpload opens a session and its pending file row. A zero-length upload
// is finalized right away.
func (s *UploadService) CreateUpload(ctx context.Context, req CreateUploadRequest) (*upload.Session, *database.Transfer, error) {
	name, err := s.checkPolicy(req.Filename, req.Size)
	if err != nil {
		return nil, nil, err
	}
	req.Filename = name

	var t *database.Transfer
	if req.Transfer != "" {
		t, err = s.openTransfer(ctx, req.Transfer, req.Token)
	} else {
		req.Options.FileCount = 1
		t, err = s.transfers.Create(ctx, req.Options)
	}
	if err != nil {
		return nil, nil, err
	}

	sess, err := s.startFile(ctx, t, req.Filename, req.MimeType, req.Size)
	if err != nil {
		return nil, nil, err
	}

	if sess.DeclaredSize == 0 {
		if _, err := s.finalizer.Finalize(context.WithoutCancel(ctx), sess); err != nil {
			return nil, nil, err
		}
	}
	return sess, t, nil
}

// openTransfer loads a transfer that can still accept files on behalf of the
// holder of its deletion token.
func (s *UploadService) openTransfer(ctx context.Context, ident, token string) (*database.Transfer, error) {
	t, err := s.transfers.Get(ctx, ident)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(t.DeletionToken)) != 1 {
		return nil, &ForbiddenError{Reason: ReasonInvalidDeletionToken}
	}
	if t.Status != database.StatusUploading {
		return nil, &ConflictError{Reason: ReasonTransferNotOpen, Offset: -1}
	}
	if len(t.Files) >= t.FileCount {
		return nil, &ConflictError{Reason: ReasonTransferFilesFull, Offset: -1}
	}
	return t, nil
}

func (s *UploadService) startFile(ctx context.Context, t *database.Transfer, filename, mimeType string, size int64) (*upload.Session, error) {
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(filename))
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	sess := &upload.Session{
		DeclaredSize: size,
		Filename:     filename,
		MimeType:     mimeType,
		TransferID:   t.ID,
		TransferUUID: t.UUID,
	}
	if err := s.tracker.Create(ctx, sess); err != nil {
		return nil, s.mapUploadError(err)
	}

	file := &database.TransferFile{
		TransferID:   t.ID,
		OriginalName: filename,
		Size:         size,
		MimeType:     mimeType,
		UploadKey:    &sess.Key,
	}
	if err := s.store.CreateFile(ctx, file); err != nil {
		_ = s.tracker.Delete(ctx, sess.Key)
		return nil, err
	}
	if err := s.tracker.Bind(ctx, sess.Key, file.ID); err != nil {
		return nil, s.mapUploadError(err)
	}
	sess.FileID = file.ID

	UploadsCreatedTotal.Inc()
	return sess, nil
}

// Append writes one chunk. When the chunk completes the upload the file is
// finalized before returning, so a 2xx on the last chunk means the file is in
// permanent storage.
func (s *UploadService) Append(ctx context.Context, key string, offset int64, body io.Reader, contentLength int64) (*upload.Session, error) {
	sess, err := s.tracker.Append(ctx, key, offset, body, contentLength)
	if sess != nil && sess.Offset > offset {
		UploadBytesTotal.Add(float64(sess.Offset - offset))
	}
	if err != nil {
		if errors.Is(err, upload.ErrSizeExceeded) && sess != nil {
			return sess, &TooLargeError{Limit: sess.DeclaredSize}
		}
		return sess, s.mapUploadError(err)
	}

	if sess.IsComplete() {
		if _, err := s.finalizer.Finalize(context.WithoutCancel(ctx), sess); err != nil {
			return sess, err
		}
	}
	return sess, nil
}

// Offset reports the durable offset of an upload.
func (s *UploadService) Offset(ctx context.Context, key string) (*upload.Session, error) {
	sess, err := s.tracker.Offset(ctx, key)
	if err != nil {
		return nil, s.mapUploadError(err)
	}
	return sess, nil
}

// Terminate abandons an upload: the session, the staged bytes and the pending
// file row are removed.
func (s *UploadService) Terminate(ctx context.Context, key string) error {
	sess, err := s.tracker.Get(ctx, key)
	if err != nil {
		return s.mapUploadError(err)
	}
	if err := s.store.DeleteFile(ctx, sess.FileID); err != nil && !errors.Is(err, database.ErrFileNotFound) {
		return err
	}
	if err := s.tracker.Delete(ctx, key); err != nil {
		return err
	}
	slog.Info("upload terminated", "upload_key", key, "transfer_uuid", sess.TransferUUID)
	return nil
}

// UploadFiles is the non-resumable path: every part is staged and finalized
// before the call returns. The returned transfer is completed.
func (s *UploadService) UploadFiles(ctx context.Context, opts TransferOptions, parts []FilePart) (*database.Transfer, error) {
	if len(parts) == 0 {
		return nil, &ValidationError{Field: "files", Reason: "at least one file is required"}
	}
	for i := range parts {
		name, err := s.checkPolicy(parts[i].Filename, parts[i].Size)
		if err != nil {
			return nil, err
		}
		parts[i].Filename = name
	}

	opts.FileCount = len(parts)
	t, err := s.transfers.Create(ctx, opts)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(multipartConcurrency)
	for _, part := range parts {
		g.Go(func() error {
			return s.uploadPart(gctx, t, part)
		})
	}
	if err := g.Wait(); err != nil {
		if markErr := s.store.MarkFailed(context.WithoutCancel(ctx), t.ID); markErr != nil {
			slog.Error("failed to mark transfer failed", "transfer_uuid", t.UUID, "error", markErr)
		}
		return nil, err
	}

	return s.store.GetTransferByID(ctx, t.ID)
}

func (s *UploadService) uploadPart(ctx context.Context, t *database.Transfer, part FilePart) error {
	sess, err := s.startFile(ctx, t, part.Filename, part.MimeType, part.Size)
	if err != nil {
		return err
	}

	src, err := part.Open()
	if err != nil {
		_ = s.Terminate(context.WithoutCancel(ctx), sess.Key)
		return fmt.Errorf("failed to open %s: %w", part.Filename, err)
	}
	defer src.Close()

	if _, err := s.Append(ctx, sess.Key, 0, src, part.Size); err != nil {
		return err
	}
	return nil
}

// checkPolicy validates an upload under both the name the client sent and the
// name it will be stored as, and returns the latter.
func (s *UploadService) checkPolicy(filename string, size int64) (string, error) {
	policy := s.tracker.Policy()
	if err := policy.Check(filename, size); err != nil {
		return "", s.mapUploadError(err)
	}
	name := sanitizeFilename(filename)
	if err := policy.Check(name, size); err != nil {
		return "", s.mapUploadError(err)
	}
	return name, nil
}

// mapUploadError translates session tracker errors into the service taxonomy.
func (s *UploadService) mapUploadError(err error) error {
	var mismatch *upload.OffsetMismatchError
	switch {
	case errors.As(err, &mismatch):
		return &ConflictError{Reason: ReasonOffsetMismatch, Offset: mismatch.Current}
	case errors.Is(err, upload.ErrConcurrentUpload):
		return &ConflictError{Reason: ReasonConcurrentUpload, Offset: -1}
	case errors.Is(err, upload.ErrSessionNotFound):
		return fmt.Errorf("%w: upload session", ErrNotFound)
	case errors.Is(err, upload.ErrFileTooLarge):
		return &TooLargeError{Limit: s.tracker.Policy().MaxSize}
	case errors.Is(err, upload.ErrSizeExceeded):
		return &ValidationError{Field: "body", Reason: "chunk exceeds declared upload length"}
	case errors.Is(err, upload.ErrInvalidLength):
		return &ValidationError{Field: "Upload-Length", Reason: "must be a non-negative integer"}
	case errors.Is(err, upload.ErrMissingFilename):
		return &ValidationError{Field: "filename", Reason: "is required"}
	case errors.Is(err, upload.ErrExtensionNotAllowed):
		return &ValidationError{Field: "filename", Reason: err.Error()}
	case errors.Is(err, storage.ErrChunkNotFound):
		return &StorageError{Op: "stage", Backend: "chunks", Err: err}
	default:
		return err
	}
}
