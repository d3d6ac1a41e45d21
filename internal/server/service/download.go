package service

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"dropbeam/internal/server/database"
	"dropbeam/internal/server/storage"
)

// OpenFile opens the stored content of one finalized file of t.
func (s *TransferService) OpenFile(ctx context.Context, t *database.Transfer, fileID int64) (*database.TransferFile, io.ReadCloser, error) {
	var file *database.TransferFile
	for _, f := range t.Files {
		if f.ID == fileID {
			file = f
			break
		}
	}
	if file == nil || !file.Finalized() {
		return nil, nil, fmt.Errorf("%w: file %d", ErrNotFound, fileID)
	}

	rc, err := s.openObject(ctx, file)
	if err != nil {
		return nil, nil, err
	}
	return file, rc, nil
}

// OpenPreview opens an image file for inline display.
func (s *TransferService) OpenPreview(ctx context.Context, t *database.Transfer, fileID int64) (*database.TransferFile, io.ReadCloser, error) {
	file, rc, err := s.OpenFile(ctx, t, fileID)
	if err != nil {
		return nil, nil, err
	}
	if !strings.HasPrefix(file.MimeType, "image/") {
		rc.Close()
		return nil, nil, &ValidationError{Field: "file", Reason: "preview is only available for images"}
	}
	return file, rc, nil
}

func (s *TransferService) openObject(ctx context.Context, f *database.TransferFile) (io.ReadCloser, error) {
	backend := ""
	if f.StorageBackend != nil {
		backend = *f.StorageBackend
	}
	store, err := s.objects.Get(backend)
	if err != nil {
		return nil, &StorageError{Op: "get", Backend: backend, Err: err}
	}
	rc, err := store.Get(ctx, *f.StoragePath)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: stored object for file %d", ErrNotFound, f.ID)
		}
		return nil, &StorageError{Op: "get", Backend: store.Kind(), Err: err}
	}
	return rc, nil
}

// WriteArchive streams every finalized file of t into a zip written to w.
// Entries are stored uncompressed one at a time, so memory use does not grow
// with the transfer size.
func (s *TransferService) WriteArchive(ctx context.Context, w io.Writer, t *database.Transfer) error {
	zw := zip.NewWriter(w)
	seen := make(map[string]bool)

	for _, f := range t.Files {
		if !f.Finalized() {
			continue
		}
		if err := s.addToArchive(ctx, zw, f, archiveName(f.OriginalName, seen)); err != nil {
			zw.Close()
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to close zip writer: %w", err)
	}
	return nil
}

func (s *TransferService) addToArchive(ctx context.Context, zw *zip.Writer, f *database.TransferFile, name string) error {
	rc, err := s.openObject(ctx, f)
	if err != nil {
		return err
	}
	defer rc.Close()

	header := &zip.FileHeader{
		Name:     name,
		Method:   zip.Store,
		Modified: f.CreatedAt,
	}
	if f.FinalizedAt != nil {
		header.Modified = *f.FinalizedAt
	}

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to create zip entry: %w", err)
	}
	if _, err := io.Copy(writer, rc); err != nil {
		return fmt.Errorf("failed to write %s to zip: %w", name, err)
	}
	return nil
}
