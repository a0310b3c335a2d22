package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/99souls/fetchguard/internal/kv"
	"github.com/99souls/fetchguard/internal/telemetry/metrics"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := kv.NewFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return New(client)
}

func TestAcquireAdmitsUpToDomainLimitThenDenies(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(t)
	limits := Limits{DomainPerMinute: 2, IPPerHour: 100, Concurrent: 100}

	for i := 0; i < 2; i++ {
		_, _, err := l.Acquire(ctx, "example.com", "1.2.3.4", limits)
		require.NoError(t, err)
	}

	_, resetAfter, err := l.Acquire(ctx, "example.com", "1.2.3.4", limits)
	var denied *ErrDenied
	require.ErrorAs(t, err, &denied)
	require.Equal(t, "rate_limit", denied.Reason)
	require.LessOrEqual(t, resetAfter, 60*time.Second)
}

func TestAcquireRecordsRateLimitRejectionsMetricOnDenial(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(t)
	provider := metrics.NewPrometheusProvider()
	l.SetMetrics(metrics.NewApp(provider))
	limits := Limits{DomainPerMinute: 1, IPPerHour: 100, Concurrent: 100}

	_, _, err := l.Acquire(ctx, "example.com", "1.2.3.4", limits)
	require.NoError(t, err)
	_, _, err = l.Acquire(ctx, "example.com", "1.2.3.4", limits)
	require.Error(t, err)

	families, err := provider.Registry().Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "fetchguard_rate_limit_rejections_total" {
			found = true
		}
	}
	require.True(t, found, "expected fetchguard_rate_limit_rejections_total to be registered")
}

func TestAcquireDeniesOnConcurrencyLimit(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(t)
	limits := Limits{DomainPerMinute: 100, IPPerHour: 100, Concurrent: 1}

	_, _, err := l.Acquire(ctx, "example.com", "1.2.3.4", limits)
	require.NoError(t, err)

	_, _, err = l.Acquire(ctx, "example.com", "5.6.7.8", limits)
	var denied *ErrDenied
	require.True(t, errors.As(err, &denied))
	require.Equal(t, "concurrency_limit", denied.Reason)
}

func TestReleaseFreesConcurrencySlot(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(t)
	limits := Limits{DomainPerMinute: 100, IPPerHour: 100, Concurrent: 1}

	_, _, err := l.Acquire(ctx, "example.com", "1.2.3.4", limits)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, "example.com"))

	_, _, err = l.Acquire(ctx, "example.com", "5.6.7.8", limits)
	require.NoError(t, err)
}

func TestReleaseDoesNotGoNegative(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(t)
	require.NoError(t, l.Release(ctx, "never-acquired.com"))
	require.NoError(t, l.Release(ctx, "never-acquired.com"))
}
