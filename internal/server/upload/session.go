// Package upload tracks resumable upload sessions. Session records live in
// Redis so any instance can serve any request; the bytes live in the chunk store.
package upload

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

var (
	ErrSessionNotFound     = errors.New("upload session not found")
	ErrOffsetMismatch      = errors.New("upload offset mismatch")
	ErrSizeExceeded        = errors.New("upload exceeds declared length")
	ErrConcurrentUpload    = errors.New("another append is in progress for this upload")
	ErrInvalidLength       = errors.New("invalid upload length")
	ErrFileTooLarge        = errors.New("file exceeds maximum allowed size")
	ErrExtensionNotAllowed = errors.New("file extension not allowed")
	ErrMissingFilename     = errors.New("filename is required")
)

// OffsetMismatchError carries the durable offset the client should resume from.
type OffsetMismatchError struct {
	Current   int64
	Requested int64
}

func (e *OffsetMismatchError) Error() string {
	return fmt.Sprintf("upload offset mismatch: current %d, requested %d", e.Current, e.Requested)
}

func (e *OffsetMismatchError) Unwrap() error { return ErrOffsetMismatch }

// Session is the server-side state of one resumable upload.
type Session struct {
	Key          string
	DeclaredSize int64
	Offset       int64
	Filename     string
	MimeType     string
	TransferID   int64
	TransferUUID string
	FileID       int64
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// IsComplete reports whether every declared byte has been received.
func (s *Session) IsComplete() bool {
	return s.Offset == s.DeclaredSize
}

// Policy holds the limits applied when a session is created.
type Policy struct {
	MaxSize int64
	// Allowed, when non-empty, is the only set of accepted extensions.
	Allowed []string
	Denied  []string
}

// Check validates a declared upload against the policy.
func (p Policy) Check(filename string, size int64) error {
	if size < 0 {
		return ErrInvalidLength
	}
	if p.MaxSize > 0 && size > p.MaxSize {
		return ErrFileTooLarge
	}
	if strings.TrimSpace(filename) == "" {
		return ErrMissingFilename
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if slices.Contains(p.Denied, ext) {
		return fmt.Errorf("%w: .%s", ErrExtensionNotAllowed, ext)
	}
	if len(p.Allowed) > 0 && !slices.Contains(p.Allowed, ext) {
		return fmt.Errorf("%w: .%s", ErrExtensionNotAllowed, ext)
	}
	return nil
}

// NewKey returns an unguessable upload key with 160 bits of entropy. The key
// doubles as the capability for appending to the upload.
func NewKey() (string, error) {
	var b [20]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("crypto/rand failure: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
