package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes events to Redis Pub/Sub on "{channel}:{event type}".
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisPublisher publishes through an existing client. The client is shared
// with the rest of the service and is not closed by the publisher.
func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = "dropbeam:events"
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Name() string { return "redis" }

func (p *RedisPublisher) Publish(ctx context.Context, e *Event, data []byte) error {
	channel := fmt.Sprintf("%s:%s", p.channel, e.Type)

	result := p.client.Publish(ctx, channel, data)
	if err := result.Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}

	slog.Debug("published event to redis",
		"channel", channel,
		"subscribers", result.Val(),
	)
	return nil
}

func (p *RedisPublisher) Close() error { return nil }
