// Package service implements the transfer lifecycle: creation, resumable
// uploads, finalization into permanent storage, gated downloads and deletion.
package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"time"

	"dropbeam/internal/server/database"
	"dropbeam/internal/server/events"
	"dropbeam/internal/server/storage"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	hashLength          = 12
	maxHashAttempts     = 5
	minPasswordLength   = 6
	maxMessageLength    = 1000
	deletionTokenPrefix = "del_"
)

// TransferStore is the persistence the service layer needs.
// *database.Repository implements it.
type TransferStore interface {
	CreateTransfer(ctx context.Context, t *database.Transfer) error
	GetTransfer(ctx context.Context, ident string) (*database.Transfer, error)
	GetTransferByID(ctx context.Context, id int64) (*database.Transfer, error)
	CreateFile(ctx context.Context, f *database.TransferFile) error
	GetFile(ctx context.Context, transferID, fileID int64) (*database.TransferFile, error)
	FinalizeFile(ctx context.Context, fileID int64, storagePath, backend, checksum string, size int64) error
	DeleteFile(ctx context.Context, fileID int64) error
	CompleteTransfer(ctx context.Context, transferID int64) (bool, error)
	MarkFailed(ctx context.Context, transferID int64) error
	UpdatePassword(ctx context.Context, transferID int64, passwordHash *string) error
	IncrementDownloadCount(ctx context.Context, transferID int64) (int, error)
	DeleteTransfer(ctx context.Context, transferID int64) error
	GetStats(ctx context.Context) (*database.Stats, error)
}

// EventSink receives lifecycle events. *events.Emitter implements it.
type EventSink interface {
	Emit(e *events.Event)
}

// TransferOptions are the client choices made when a transfer is created.
type TransferOptions struct {
	ExpiresInDays *int
	MaxDownloads  *int
	Password      string
	SenderEmail   string
	SenderName    string
	Message       string
	FileCount     int

	IPAddress string
	UserAgent string
}

// TransferPolicy holds the server-side limits for new transfers.
type TransferPolicy struct {
	DefaultExpiryDays int
	MinExpiryDays     int
	MaxExpiryDays     int
	BaseURL           string
}

// TransferService owns the Transfer state machine.
type TransferService struct {
	store   TransferStore
	objects *storage.Registry
	emitter EventSink
	policy  TransferPolicy

	bcryptCost int
	now        func() time.Time
}

// NewTransferService creates a new transfer service.
func NewTransferService(store TransferStore, objects *storage.Registry, emitter EventSink, policy TransferPolicy) *TransferService {
	return &TransferService{
		store:      store,
		objects:    objects,
		emitter:    emitter,
		policy:     policy,
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
	}
}

// Create validates opts and stores a new transfer in the uploading state.
func (s *TransferService) Create(ctx context.Context, opts TransferOptions) (*database.Transfer, error) {
	if err := s.validate(&opts); err != nil {
		return nil, err
	}

	deletionToken, err := generateSecureToken(24)
	if err != nil {
		return nil, fmt.Errorf("failed to generate deletion token: %w", err)
	}

	now := s.now().UTC()
	expiry := now.AddDate(0, 0, *opts.ExpiresInDays)

	t := &database.Transfer{
		UUID:          uuid.NewString(),
		Status:        database.StatusUploading,
		ExpiryAt:      &expiry,
		MaxDownloads:  opts.MaxDownloads,
		DeletionToken: deletionTokenPrefix + deletionToken,
		FileCount:     opts.FileCount,
		SenderEmail:   optional(opts.SenderEmail),
		SenderName:    optional(opts.SenderName),
		Message:       optional(opts.Message),
		IPAddress:     optional(opts.IPAddress),
		UserAgent:     optional(opts.UserAgent),
	}

	if opts.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(opts.Password), s.bcryptCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		h := string(hash)
		t.PasswordHash = &h
	}

	// The hash is short enough to collide; retry a bounded number of times.
	for attempt := 1; ; attempt++ {
		if t.Hash, err = generateSecureToken(hashLength); err != nil {
			return nil, fmt.Errorf("failed to generate transfer hash: %w", err)
		}
		err = s.store.CreateTransfer(ctx, t)
		if err == nil {
			break
		}
		if !errors.Is(err, database.ErrHashTaken) || attempt == maxHashAttempts {
			return nil, err
		}
		slog.Warn("transfer hash collision, retrying", "attempt", attempt)
	}

	TransfersCreatedTotal.Inc()
	slog.Info("transfer created",
		"transfer_uuid", t.UUID,
		"hash", t.Hash,
		"file_count", t.FileCount,
		"expiry_at", expiry,
		"password_protected", t.PasswordHash != nil,
	)
	return t, nil
}

func (s *TransferService) validate(opts *TransferOptions) error {
	if opts.ExpiresInDays == nil {
		days := s.policy.DefaultExpiryDays
		opts.ExpiresInDays = &days
	}
	if d := *opts.ExpiresInDays; d < s.policy.MinExpiryDays || d > s.policy.MaxExpiryDays {
		return &ValidationError{
			Field:  "expires_in_days",
			Reason: fmt.Sprintf("must be between %d and %d", s.policy.MinExpiryDays, s.policy.MaxExpiryDays),
		}
	}
	if opts.MaxDownloads != nil && *opts.MaxDownloads < 1 {
		return &ValidationError{Field: "max_downloads", Reason: "must be at least 1"}
	}
	if opts.Password != "" && len(opts.Password) < minPasswordLength {
		return &ValidationError{Field: "password", Reason: fmt.Sprintf("must be at least %d characters", minPasswordLength)}
	}
	if len(opts.Message) > maxMessageLength {
		return &ValidationError{Field: "message", Reason: fmt.Sprintf("must be at most %d characters", maxMessageLength)}
	}
	if opts.SenderEmail != "" {
		if _, err := mail.ParseAddress(opts.SenderEmail); err != nil {
			return &ValidationError{Field: "sender_email", Reason: "must be a valid email address"}
		}
	}
	if opts.FileCount == 0 {
		opts.FileCount = 1
	}
	if opts.FileCount < 1 {
		return &ValidationError{Field: "file_count", Reason: "must be at least 1"}
	}
	return nil
}

// Get resolves a public identifier (uuid or hash).
func (s *TransferService) Get(ctx context.Context, ident string) (*database.Transfer, error) {
	t, err := s.store.GetTransfer(ctx, ident)
	if err != nil {
		if errors.Is(err, database.ErrTransferNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

// SetPassword replaces the transfer password; nil removes protection.
func (s *TransferService) SetPassword(ctx context.Context, t *database.Transfer, plaintext *string) error {
	var hash *string
	if plaintext != nil {
		if len(*plaintext) < minPasswordLength {
			return &ValidationError{Field: "password", Reason: fmt.Sprintf("must be at least %d characters", minPasswordLength)}
		}
		b, err := bcrypt.GenerateFromPassword([]byte(*plaintext), s.bcryptCost)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}
		h := string(b)
		hash = &h
	}

	if err := s.store.UpdatePassword(ctx, t.ID, hash); err != nil {
		if errors.Is(err, database.ErrTransferNotFound) {
			return ErrNotFound
		}
		return err
	}
	t.PasswordHash = hash
	return nil
}

// VerifyPassword checks plaintext against the transfer password. Any password
// verifies against an unprotected transfer.
func VerifyPassword(t *database.Transfer, plaintext string) bool {
	if !IsPasswordProtected(t) {
		return true
	}
	return bcrypt.CompareHashAndPassword([]byte(*t.PasswordHash), []byte(plaintext)) == nil
}

func IsPasswordProtected(t *database.Transfer) bool {
	return t.PasswordHash != nil
}

func IsExpired(t *database.Transfer, now time.Time) bool {
	return t.ExpiryAt != nil && t.ExpiryAt.Before(now)
}

func IsDownloadLimitReached(t *database.Transfer) bool {
	return t.MaxDownloads != nil && t.DownloadCount >= *t.MaxDownloads
}

func IsAccessible(t *database.Transfer, now time.Time) bool {
	return !IsExpired(t, now) && !IsDownloadLimitReached(t)
}

// Status reports the stored status, or expired once the expiry has passed.
func Status(t *database.Transfer, now time.Time) string {
	if IsExpired(t, now) {
		return database.StatusExpired
	}
	return t.Status
}

// ShareURL is the link handed to recipients.
func (s *TransferService) ShareURL(t *database.Transfer) string {
	return fmt.Sprintf("%s/t/%s", s.policy.BaseURL, t.Hash)
}

// DownloadURL downloads the whole transfer.
func (s *TransferService) DownloadURL(t *database.Transfer) string {
	return fmt.Sprintf("%s/api/v1/transfers/%s/download", s.policy.BaseURL, t.UUID)
}

// Delete removes a transfer and its stored objects. The deletion token must
// match unless admin is set.
func (s *TransferService) Delete(ctx context.Context, ident, token string, admin bool) error {
	t, err := s.Get(ctx, ident)
	if err != nil {
		return err
	}
	if !admin && subtle.ConstantTimeCompare([]byte(token), []byte(t.DeletionToken)) != 1 {
		return &ForbiddenError{Reason: ReasonInvalidDeletionToken}
	}

	freed, err := s.deleteObjects(ctx, t)
	if err != nil {
		return err
	}

	if err := s.store.DeleteTransfer(ctx, t.ID); err != nil {
		if errors.Is(err, database.ErrTransferNotFound) {
			return ErrNotFound
		}
		return err
	}

	s.emitter.Emit(&events.Event{
		Type:         events.TransferDeleted,
		TransferUUID: t.UUID,
		Hash:         t.Hash,
		FileCount:    len(t.Files),
		Size:         freed,
		Reason:       "explicit",
	})
	slog.Info("transfer deleted",
		"transfer_uuid", t.UUID,
		"files", len(t.Files),
		"bytes_freed", freed,
		"admin", admin,
	)
	return nil
}

// deleteObjects removes every finalized file of t from its backend. Objects
// that are already gone count as deleted.
func (s *TransferService) deleteObjects(ctx context.Context, t *database.Transfer) (int64, error) {
	var freed int64
	for _, f := range t.Files {
		if !f.Finalized() {
			continue
		}
		backend := ""
		if f.StorageBackend != nil {
			backend = *f.StorageBackend
		}
		store, err := s.objects.Get(backend)
		if err != nil {
			return freed, &StorageError{Op: "delete", Backend: backend, Err: err}
		}
		if err := store.Delete(ctx, *f.StoragePath); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			return freed, &StorageError{Op: "delete", Backend: store.Kind(), Err: err}
		}
		freed += f.Size
	}
	return freed, nil
}

// Stats returns aggregate server statistics.
func (s *TransferService) Stats(ctx context.Context) (*database.Stats, error) {
	return s.store.GetStats(ctx)
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
