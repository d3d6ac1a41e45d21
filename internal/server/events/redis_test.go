package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPublisher_Publish(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, "dropbeam:events:transfer.created")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	pub := NewRedisPublisher(client, "")
	assert.Equal(t, "redis", pub.Name())

	e := &Event{ID: "e1", Type: TransferCreated, TransferUUID: "t1"}
	data, err := e.Marshal()
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, e, data))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dropbeam:events:transfer.created", msg.Channel)
	assert.JSONEq(t, string(data), msg.Payload)

	require.NoError(t, pub.Close())
}

func TestRedisPublisher_PublishError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	mr.Close()

	pub := NewRedisPublisher(client, "custom")
	err := pub.Publish(context.Background(), &Event{Type: TransferDeleted}, []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis publish")
}
