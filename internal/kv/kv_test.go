package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return NewFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestIncrWithTTLSetsExpiryOnlyOnFirstIncrement(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	n, err := c.IncrWithTTL(ctx, "counter", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = c.IncrWithTTL(ctx, "counter", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	ttl := c.rdb.TTL(ctx, "counter").Val()
	require.Greater(t, ttl, time.Duration(0))
}

func TestSetNXActsAsLock(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	ok, err := c.SetNX(ctx, "lease:promoter", "node-a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.SetNX(ctx, "lease:promoter", "node-b", time.Second)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestZSetDelayedVisibilityRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	require.NoError(t, c.ZAdd(ctx, "delayed", 100, "job-1"))
	require.NoError(t, c.ZAdd(ctx, "delayed", 200, "job-2"))

	ready, err := c.ZRangeByScore(ctx, "delayed", "-inf", "150", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"job-1"}, ready)

	removed, err := c.ZRemRangeByScore(ctx, "delayed", "-inf", "150")
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	card, err := c.ZCard(ctx, "delayed")
	require.NoError(t, err)
	require.Equal(t, int64(1), card)
}

func TestStreamAddAndGroupRead(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	_, err := c.XAdd(ctx, "jobs:stream:normal", map[string]any{"job_id": "abc"})
	require.NoError(t, err)
	require.NoError(t, c.XGroupCreate(ctx, "jobs:stream:normal", "orchestrator"))
	require.NoError(t, c.XGroupCreate(ctx, "jobs:stream:normal", "orchestrator")) // idempotent

	streams, err := c.XReadGroup(ctx, "orchestrator", "worker-1", []string{"jobs:stream:normal", ">"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	require.Len(t, streams[0].Messages, 1)

	length, err := c.XLen(ctx, "jobs:stream:normal")
	require.NoError(t, err)
	require.Equal(t, int64(1), length)

	pending, err := c.XPendingCount(ctx, "jobs:stream:normal", "orchestrator")
	require.NoError(t, err)
	require.Equal(t, int64(1), pending)

	require.NoError(t, c.XAck(ctx, "jobs:stream:normal", "orchestrator", streams[0].Messages[0].ID))
}

func TestSetExOverwritesExistingValue(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	require.NoError(t, c.SetEx(ctx, "idemp:key-1", "job-1", time.Minute))
	require.NoError(t, c.SetEx(ctx, "idemp:key-1", "job-2", time.Minute))

	v, ok, err := c.Get(ctx, "idemp:key-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "job-2", v)
}

func TestLPushTrimCapsListLength(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.LPushTrim(ctx, "history", "v", 3, time.Minute))
	}

	entries, err := c.LRange(ctx, "history", 0, -1)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

func TestGetMissingKeyReturnsFalseNotError(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	v, ok, err := c.Get(ctx, "nope")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, v)
}
