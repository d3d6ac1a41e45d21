package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"dropbeam/internal/server/database"
	"dropbeam/internal/server/events"
)

// Download kinds, used for metrics and events.
const (
	DownloadFile    = "file"
	DownloadArchive = "archive"
)

// Credentials are what a client presents to read protected content.
type Credentials struct {
	Password string
	Token    string
	// ClientID identifies the client for attempt limiting, usually its IP.
	ClientID string
}

// AccessGrant is returned after a successful password check.
type AccessGrant struct {
	Token     string    `json:"access_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AccessGate decides whether a request may read a transfer.
type AccessGate struct {
	transfers *TransferService
	store     TransferStore
	tokens    *TokenIssuer
	limiter   *AttemptLimiter
	emitter   EventSink
	now       func() time.Time
}

func NewAccessGate(transfers *TransferService, tokens *TokenIssuer, limiter *AttemptLimiter, emitter EventSink) *AccessGate {
	return &AccessGate{
		transfers: transfers,
		store:     transfers.store,
		tokens:    tokens,
		limiter:   limiter,
		emitter:   emitter,
		now:       time.Now,
	}
}

// Lookup runs the checks that apply to metadata views: the transfer exists,
// has not expired and has downloads left. No password is needed.
func (g *AccessGate) Lookup(ctx context.Context, ident string) (*database.Transfer, error) {
	t, err := g.transfers.Get(ctx, ident)
	if err != nil {
		return nil, err
	}
	if IsExpired(t, g.now()) {
		return nil, ErrGone
	}
	if IsDownloadLimitReached(t) {
		return nil, &ForbiddenError{Reason: ReasonDownloadLimitReached}
	}
	return t, nil
}

// Authorize runs the full gate for content reads. Protected transfers need a
// valid access token or the correct password.
func (g *AccessGate) Authorize(ctx context.Context, ident string, cred Credentials) (*database.Transfer, error) {
	t, err := g.Lookup(ctx, ident)
	if err != nil {
		return nil, err
	}
	if t.Status != database.StatusCompleted {
		return nil, &ConflictError{Reason: ReasonTransferIncomplete, Offset: -1}
	}
	if !IsPasswordProtected(t) {
		return t, nil
	}

	if cred.Token != "" {
		if err := g.tokens.Verify(cred.Token, t); err == nil {
			return t, nil
		}
		slog.Debug("rejected access token", "transfer_uuid", t.UUID)
	}
	if cred.Password == "" {
		return nil, &ForbiddenError{Reason: ReasonPasswordRequired}
	}
	if err := g.checkPassword(ctx, t, cred); err != nil {
		return nil, err
	}
	return t, nil
}

// VerifyPassword checks a password and issues an access token that lets the
// client skip the password for the token lifetime.
func (g *AccessGate) VerifyPassword(ctx context.Context, ident string, cred Credentials) (*AccessGrant, error) {
	t, err := g.Lookup(ctx, ident)
	if err != nil {
		return nil, err
	}
	if IsPasswordProtected(t) {
		if err := g.checkPassword(ctx, t, cred); err != nil {
			return nil, err
		}
	}

	token, expiresAt, err := g.tokens.Issue(t)
	if err != nil {
		return nil, err
	}
	return &AccessGrant{Token: token, ExpiresAt: expiresAt}, nil
}

func (g *AccessGate) checkPassword(ctx context.Context, t *database.Transfer, cred Credentials) error {
	if err := g.limiter.Reserve(ctx, t.UUID, cred.ClientID); err != nil {
		return err
	}

	if VerifyPassword(t, cred.Password) {
		if err := g.limiter.Reset(ctx, t.UUID, cred.ClientID); err != nil {
			slog.Warn("failed to reset password attempts", "transfer_uuid", t.UUID, "error", err)
		}
		return nil
	}

	PasswordFailuresTotal.Inc()
	slog.Info("invalid password attempt", "transfer_uuid", t.UUID, "client", cred.ClientID)
	return &ForbiddenError{Reason: ReasonInvalidPassword}
}

// RecordDownload counts one download of t. The increment is conditional at the
// storage layer, so concurrent downloads can never exceed the limit.
func (g *AccessGate) RecordDownload(ctx context.Context, t *database.Transfer, kind, clientID string) error {
	count, err := g.store.IncrementDownloadCount(ctx, t.ID)
	if err != nil {
		if errors.Is(err, database.ErrDownloadLimitReached) {
			return &ForbiddenError{Reason: ReasonDownloadLimitReached}
		}
		return err
	}
	t.DownloadCount = count

	DownloadsTotal.WithLabelValues(kind).Inc()
	g.emitter.Emit(&events.Event{
		Type:         events.TransferDownloaded,
		TransferUUID: t.UUID,
		Hash:         t.Hash,
		FileCount:    len(t.Files),
		Size:         t.TotalSize,
		Reason:       kind,
		SourceIP:     clientID,
	})
	return nil
}
