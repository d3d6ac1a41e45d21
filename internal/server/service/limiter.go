package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript counts an attempt, starts the window on the first one and
// returns the new count with the time left in the window.
var reserveScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// AttemptLimiter caps password attempts per (transfer, client) pair in a
// fixed window. State lives in Redis so every instance sees the same counts.
type AttemptLimiter struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
	prefix string
}

func NewAttemptLimiter(client redis.UniversalClient, limit int, window time.Duration) *AttemptLimiter {
	return &AttemptLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: "dropbeam:pwd:",
	}
}

func (l *AttemptLimiter) key(transferUUID, clientID string) string {
	return l.prefix + transferUUID + ":" + clientID
}

// Reserve takes one attempt for the pair before the password is verified, so
// concurrent guesses cannot all slip in under the limit. It returns a
// RateLimitedError once the window's attempts are used up.
func (l *AttemptLimiter) Reserve(ctx context.Context, transferUUID, clientID string) error {
	res, err := reserveScript.Run(ctx, l.client, []string{l.key(transferUUID, clientID)}, l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	if len(res) != 2 {
		return fmt.Errorf("failed to record attempt: unexpected reply %v", res)
	}
	if res[0] <= int64(l.limit) {
		return nil
	}

	ttl := time.Duration(res[1]) * time.Millisecond
	if ttl <= 0 {
		ttl = l.window
	}
	RateLimitedTotal.WithLabelValues("password").Inc()
	return &RateLimitedError{RetryAfter: ttl}
}

// Reset clears the counter after a correct password.
func (l *AttemptLimiter) Reset(ctx context.Context, transferUUID, clientID string) error {
	return l.client.Del(ctx, l.key(transferUUID, clientID)).Err()
}
