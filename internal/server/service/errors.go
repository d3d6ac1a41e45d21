package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("transfer not found")
	ErrGone     = errors.New("transfer has expired")
)

// Forbidden reason codes, returned to clients so they can branch on them.
const (
	ReasonPasswordRequired     = "password_required"
	ReasonInvalidPassword      = "invalid_password"
	ReasonDownloadLimitReached = "download_limit_reached"
	ReasonInvalidDeletionToken = "invalid_deletion_token"
)

// Conflict reason codes.
const (
	ReasonOffsetMismatch     = "offset_mismatch"
	ReasonConcurrentUpload   = "concurrent_upload"
	ReasonTransferNotOpen    = "transfer_not_uploading"
	ReasonTransferFilesFull  = "transfer_files_full"
	ReasonTransferIncomplete = "transfer_incomplete"
)

// ValidationError reports bad client input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TooLargeError rejects data beyond a size limit: the configured maximum for
// new uploads, or the declared length for chunks.
type TooLargeError struct {
	Limit int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("size exceeds limit of %d bytes", e.Limit)
}

// ForbiddenError denies access with a machine-readable reason.
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string {
	return "forbidden: " + e.Reason
}

// RateLimitedError carries how long the client should wait.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many attempts, retry after %s", e.RetryAfter.Round(time.Second))
}

// ConflictError means the request raced with the current upload state. Offset
// is the durable offset the client should resume from, or -1 when unknown.
type ConflictError struct {
	Reason string
	Offset int64
}

func (e *ConflictError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("conflict: %s (offset %d)", e.Reason, e.Offset)
	}
	return "conflict: " + e.Reason
}

// StorageError wraps a backend I/O failure.
type StorageError struct {
	Op      string
	Backend string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s on %s: %v", e.Op, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsForbidden reports whether err is a ForbiddenError with the given reason.
func IsForbidden(err error, reason string) bool {
	var fe *ForbiddenError
	return errors.As(err, &fe) && fe.Reason == reason
}
