package relay

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"classlock/internal/protocol"
)

// redisForTest connects to CLASSLOCK_TEST_REDIS_URL and flushes it.
func redisForTest(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("CLASSLOCK_TEST_REDIS_URL")
	if url == "" {
		t.Skip("Skipping Redis test: set CLASSLOCK_TEST_REDIS_URL to run")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opt)
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())
	require.NoError(t, client.FlushDB(ctx).Err())
	return client
}

func TestRedisDirectory_LabelsAcrossReplicas(t *testing.T) {
	client := redisForTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	east := NewRedisDirectory(client, "east", zap.NewNop())
	west := NewRedisDirectory(client, "west", zap.NewNop())
	go east.Heartbeat(ctx)
	go west.Heartbeat(ctx)
	require.Eventually(t, func() bool {
		return client.Exists(ctx, instanceKeyPrefix+"east", instanceKeyPrefix+"west").Val() == 2
	}, 2*time.Second, 20*time.Millisecond)

	math := protocol.DirectoryEntry{SocketID: "east.1", Name: "Ms. K", ClassName: "Math"}
	require.NoError(t, east.Register(ctx, math))
	assert.ErrorIs(t, west.Register(ctx, protocol.DirectoryEntry{SocketID: "west.1", ClassName: "Math"}), ErrDuplicateLabel)

	got, err := west.Get(ctx, "east.1")
	require.NoError(t, err)
	assert.Equal(t, math, got)

	list, err := west.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []protocol.DirectoryEntry{math}, list)

	require.NoError(t, east.Remove(ctx, "east.1"))
	_, err = west.Get(ctx, "east.1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, west.Register(ctx, protocol.DirectoryEntry{SocketID: "west.1", ClassName: "Math"}))
}

func TestRedisDirectory_PurgesDeadReplica(t *testing.T) {
	client := redisForTest(t)
	ctx := context.Background()

	// "gone" never heartbeats, so its entries are stale
	gone := NewRedisDirectory(client, "gone", zap.NewNop())
	require.NoError(t, gone.Register(ctx, protocol.DirectoryEntry{SocketID: "gone.1", ClassName: "Art"}))

	live := NewRedisDirectory(client, "live", zap.NewNop())
	list, err := live.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.NoError(t, live.Register(ctx, protocol.DirectoryEntry{SocketID: "live.1", ClassName: "Art"}))
}

func TestRedisBus_Delivers(t *testing.T) {
	client := redisForTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewRedisBus(client, zap.NewNop())
	got := make(chan Delivery, 1)
	go bus.Run(ctx, "west", func(d Delivery) { got <- d })

	want := Delivery{Target: "west.7", Frame: protocol.Frame{Event: protocol.EventUnlock}}
	require.Eventually(t, func() bool {
		bus.Publish(ctx, "west", want)
		select {
		case d := <-got:
			assert.Equal(t, want, d)
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
}
