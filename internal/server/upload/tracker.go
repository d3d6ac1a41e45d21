package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"dropbeam/internal/server/storage"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "dropbeam:upload:"
	defaultLockTTL   = 2 * time.Minute
)

// advanceScript moves the stored offset from ARGV[1] to ARGV[2] only if the
// stored offset still equals ARGV[1] and ARGV[2] stays within the declared size.
// Returns {status, offset}: 1 ok, 0 mismatch, -1 missing, -2 over size.
var advanceScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "offset")
if not cur then
    return {-1, 0}
end
cur = tonumber(cur)
local size = tonumber(redis.call("HGET", KEYS[1], "declared_size"))
local from = tonumber(ARGV[1])
local to = tonumber(ARGV[2])
if cur ~= from then
    return {0, cur}
end
if to > size then
    return {-2, cur}
end
redis.call("HSET", KEYS[1], "offset", to)
return {1, to}
`)

// unlockScript deletes the lock only while it is still held by this owner.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock only while it is still held by this owner.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	Policy Policy
	// TTL is how long a session lives after creation (default: 24h).
	TTL time.Duration
	// LockTTL bounds how long a crashed append can block the session.
	// Held locks are refreshed while the append runs.
	LockTTL   time.Duration
	KeyPrefix string
}

// Tracker owns upload sessions: their records in Redis and their bytes in the
// chunk store.
type Tracker struct {
	client  redis.UniversalClient
	chunks  *storage.ChunkStore
	policy  Policy
	ttl     time.Duration
	lockTTL time.Duration
	prefix  string
	now     func() time.Time
}

// NewTracker creates a session tracker.
func NewTracker(client redis.UniversalClient, chunks *storage.ChunkStore, cfg TrackerConfig) *Tracker {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	return &Tracker{
		client:  client,
		chunks:  chunks,
		policy:  cfg.Policy,
		ttl:     cfg.TTL,
		lockTTL: cfg.LockTTL,
		prefix:  cfg.KeyPrefix,
		now:     time.Now,
	}
}

// Policy returns the limits applied to new sessions.
func (t *Tracker) Policy() Policy {
	return t.policy
}

// TTL returns the session lifetime.
func (t *Tracker) TTL() time.Duration {
	return t.ttl
}

func (t *Tracker) sessionKey(key string) string { return t.prefix + key }
func (t *Tracker) lockKey(key string) string    { return t.prefix + key + ":lock" }

// Create validates the declared upload, allocates a key and stores the session.
// The caller fills in the transfer binding on s before calling.
func (t *Tracker) Create(ctx context.Context, s *Session) error {
	if err := t.policy.Check(s.Filename, s.DeclaredSize); err != nil {
		return err
	}

	key, err := NewKey()
	if err != nil {
		return err
	}
	now := t.now().UTC()
	s.Key = key
	s.Offset = 0
	s.CreatedAt = now
	s.ExpiresAt = now.Add(t.ttl)

	if err := t.chunks.Create(key); err != nil {
		return err
	}

	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, t.sessionKey(key), map[string]any{
			"declared_size": s.DeclaredSize,
			"offset":        0,
			"filename":      s.Filename,
			"mime_type":     s.MimeType,
			"transfer_id":   s.TransferID,
			"transfer_uuid": s.TransferUUID,
			"file_id":       s.FileID,
			"created_at":    s.CreatedAt.UnixMilli(),
			"expires_at":    s.ExpiresAt.UnixMilli(),
		})
		pipe.PExpireAt(ctx, t.sessionKey(key), s.ExpiresAt)
		return nil
	})
	if err != nil {
		_ = t.chunks.Delete(key)
		return fmt.Errorf("failed to store upload session: %w", err)
	}

	slog.Info("upload session created",
		"upload_key", key,
		"declared_size", s.DeclaredSize,
		"transfer_uuid", s.TransferUUID,
	)
	return nil
}

// Bind records the file row created for a session.
func (t *Tracker) Bind(ctx context.Context, key string, fileID int64) error {
	n, err := t.client.Exists(ctx, t.sessionKey(key)).Result()
	if err != nil {
		return fmt.Errorf("failed to read upload session: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	if err := t.client.HSet(ctx, t.sessionKey(key), "file_id", fileID).Err(); err != nil {
		return fmt.Errorf("failed to bind upload session: %w", err)
	}
	return nil
}

// Get loads a session. Expired or unknown keys return ErrSessionNotFound.
func (t *Tracker) Get(ctx context.Context, key string) (*Session, error) {
	fields, err := t.client.HGetAll(ctx, t.sessionKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read upload session: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrSessionNotFound
	}

	s, err := parseSession(key, fields)
	if err != nil {
		return nil, err
	}
	if !t.now().Before(s.ExpiresAt) {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Exists reports whether a live session exists for key.
func (t *Tracker) Exists(ctx context.Context, key string) (bool, error) {
	n, err := t.client.Exists(ctx, t.sessionKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check upload session: %w", err)
	}
	return n > 0, nil
}

// Offset returns the durable offset of a session, reconciling the cached value
// with the chunk store first.
func (t *Tracker) Offset(ctx context.Context, key string) (*Session, error) {
	s, err := t.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := t.reconcile(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Append writes body at offset and advances the session. Only one append per
// key may run at a time; a concurrent call fails with ErrConcurrentUpload.
// contentLength is -1 when unknown. The returned session reflects the new
// offset, including bytes persisted before a mid-body failure.
func (t *Tracker) Append(ctx context.Context, key string, offset int64, body io.Reader, contentLength int64) (*Session, error) {
	unlock, err := t.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := t.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := t.reconcile(ctx, s); err != nil {
		return nil, err
	}

	if offset != s.Offset {
		return s, &OffsetMismatchError{Current: s.Offset, Requested: offset}
	}
	remaining := s.DeclaredSize - s.Offset
	if contentLength > remaining {
		return s, ErrSizeExceeded
	}

	n, writeErr := t.chunks.Append(ctx, key, offset, body, remaining)
	if errors.Is(writeErr, storage.ErrChunkTooLarge) {
		return s, ErrSizeExceeded
	}
	if errors.Is(writeErr, storage.ErrChunkOffsetMismatch) {
		return s, &OffsetMismatchError{Current: s.Offset, Requested: offset}
	}

	if n > 0 {
		// Bytes are durable now; advancing the cached offset must not depend
		// on the request context, which may already be cancelled.
		advCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := t.advance(advCtx, s, offset, offset+n); err != nil {
			return s, err
		}
	}

	if writeErr != nil {
		return s, writeErr
	}
	return s, nil
}

// Delete removes a session and its staged bytes.
func (t *Tracker) Delete(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, t.sessionKey(key), t.lockKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete upload session: %w", err)
	}
	return t.chunks.Delete(key)
}

// Forget removes the session record but keeps the staged bytes, which stay
// available for manual recovery until the sweeper reclaims them.
func (t *Tracker) Forget(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, t.sessionKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete upload session: %w", err)
	}
	return nil
}

// OpenData streams the staged bytes of a session.
func (t *Tracker) OpenData(key string) (io.ReadCloser, error) {
	return t.chunks.Open(key)
}

// reconcile trusts the chunk store length over the cached offset. A crash
// between writing bytes and advancing the offset leaves the store ahead; the
// cached offset is then moved forward to match.
func (t *Tracker) reconcile(ctx context.Context, s *Session) error {
	durable, err := t.chunks.Size(s.Key)
	if err != nil {
		return err
	}
	if durable == s.Offset {
		return nil
	}
	if durable > s.DeclaredSize {
		return fmt.Errorf("staged data for %s is larger than declared (%d > %d)", s.Key, durable, s.DeclaredSize)
	}

	slog.Warn("reconciling upload offset with staged data",
		"upload_key", s.Key,
		"cached_offset", s.Offset,
		"durable_offset", durable,
	)
	return t.advance(ctx, s, s.Offset, durable)
}

func (t *Tracker) advance(ctx context.Context, s *Session, from, to int64) error {
	res, err := advanceScript.Run(ctx, t.client, []string{t.sessionKey(s.Key)}, from, to).Int64Slice()
	if err != nil {
		return fmt.Errorf("failed to advance upload offset: %w", err)
	}
	status, current := res[0], res[1]

	switch status {
	case 1:
		s.Offset = to
		return nil
	case 0:
		s.Offset = current
		return &OffsetMismatchError{Current: current, Requested: from}
	case -1:
		return ErrSessionNotFound
	default:
		return ErrSizeExceeded
	}
}

// lock takes the per-key append lock and keeps it alive until released.
func (t *Tracker) lock(ctx context.Context, key string) (func(), error) {
	token, err := NewKey()
	if err != nil {
		return nil, err
	}

	ok, err := t.client.SetNX(ctx, t.lockKey(key), token, t.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire upload lock: %w", err)
	}
	if !ok {
		return nil, ErrConcurrentUpload
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(t.lockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := refreshScript.Run(context.Background(), t.client,
					[]string{t.lockKey(key)}, token, t.lockTTL.Milliseconds()).Err(); err != nil {
					slog.Warn("failed to refresh upload lock", "upload_key", key, "error", err)
				}
			}
		}
	}()

	return func() {
		close(stop)
		<-done
		if err := unlockScript.Run(context.Background(), t.client, []string{t.lockKey(key)}, token).Err(); err != nil {
			slog.Warn("failed to release upload lock", "upload_key", key, "error", err)
		}
	}, nil
}

func parseSession(key string, f map[string]string) (*Session, error) {
	var err error
	s := &Session{
		Key:          key,
		Filename:     f["filename"],
		MimeType:     f["mime_type"],
		TransferUUID: f["transfer_uuid"],
	}

	ints := []struct {
		field string
		dst   *int64
	}{
		{"declared_size", &s.DeclaredSize},
		{"offset", &s.Offset},
		{"transfer_id", &s.TransferID},
		{"file_id", &s.FileID},
	}
	for _, i := range ints {
		if *i.dst, err = strconv.ParseInt(f[i.field], 10, 64); err != nil {
			return nil, fmt.Errorf("corrupt upload session %s: field %s: %w", key, i.field, err)
		}
	}

	created, err := strconv.ParseInt(f["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt upload session %s: field created_at: %w", key, err)
	}
	expires, err := strconv.ParseInt(f["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt upload session %s: field expires_at: %w", key, err)
	}
	s.CreatedAt = time.UnixMilli(created).UTC()
	s.ExpiresAt = time.UnixMilli(expires).UTC()
	return s, nil
}
