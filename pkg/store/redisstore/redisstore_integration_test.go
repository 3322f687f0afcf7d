//go:build integration

package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/wilhg/rewind/pkg/frame"
	"github.com/wilhg/rewind/pkg/playback"
	"github.com/wilhg/rewind/pkg/store"
	"github.com/wilhg/rewind/pkg/store/storetest"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()
	rc, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Skipf("skip: cannot start redis: %v", err)
	}
	t.Cleanup(func() { _ = rc.Terminate(ctx) })

	uri, err := rc.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisBackendContract(t *testing.T) {
	client := startRedis(t)
	n := 0
	storetest.Run(t, func(t *testing.T) store.Backend {
		n++
		return New(client, WithKeyPrefix("contract"+string(rune('a'+n))))
	})
}

func TestPublisherRoundTrip(t *testing.T) {
	client := startRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch := PlaybackChannel("demo")
	msgs, stop, err := Subscribe(ctx, client, ch)
	require.NoError(t, err)
	defer stop()

	pub := NewPublisher(client, ch)
	err = pub.OnFrame(ctx, playback.Dispatch{
		Frame: frame.Frame{Seq: 7, TimestampMs: 116, Payload: []byte(`{"count":7}`)},
		Index: 7,
		Total: 10,
	})
	require.NoError(t, err)

	select {
	case m := <-msgs:
		assert.Equal(t, 7, m.Index)
		assert.Equal(t, uint64(7), m.Seq)
		assert.JSONEq(t, `{"count":7}`, string(m.State))
	case <-ctx.Done():
		t.Fatal("no message received")
	}
}
