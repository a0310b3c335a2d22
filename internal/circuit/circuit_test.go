package circuit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/99souls/fetchguard/internal/kv"
	"github.com/99souls/fetchguard/internal/telemetry/metrics"
	"github.com/99souls/fetchguard/pkg/job"
)

func newTestBreaker(t *testing.T) (*Breaker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := kv.NewFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return New(client), mr
}

func TestCheckAllowsWithNoPriorFailures(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(t)

	allowed, remaining, err := b.Check(ctx, "example.com")
	require.NoError(t, err)
	require.True(t, allowed)
	require.Zero(t, remaining)
}

func TestRecordFailureSetsCircuitStateGaugeOnOpen(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(t)
	provider := metrics.NewPrometheusProvider()
	b.SetMetrics(metrics.NewApp(provider))
	ladder := DefaultLadder()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, "example.com", ladder))
	}

	families, err := provider.Registry().Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "fetchguard_circuit_state" {
			found = true
		}
	}
	require.True(t, found, "expected fetchguard_circuit_state to be registered")
}

func TestRecordFailureOpensAtFirstThreshold(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(t)
	ladder := DefaultLadder()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, "example.com", ladder))
	}

	allowed, remaining, err := b.Check(ctx, "example.com")
	require.NoError(t, err)
	require.False(t, allowed)
	require.InDelta(t, 3600, remaining, 2)

	state, err := b.State(ctx, "example.com")
	require.NoError(t, err)
	require.Equal(t, job.CircuitOpen, state.Status)
	require.Equal(t, 3, state.Failures)
	require.Equal(t, 3600, state.BackoffTime)
}

func TestRecordFailureEscalatesToNextLadderRung(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestBreaker(t)
	ladder := DefaultLadder()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, "example.com", ladder))
	}
	mr.FastForward(3601 * time.Second)
	allowed, _, err := b.Check(ctx, "example.com")
	require.NoError(t, err)
	require.True(t, allowed, "circuit resets to closed once backoff elapses")

	for i := 0; i < 5; i++ {
		require.NoError(t, b.RecordFailure(ctx, "example.com", ladder))
	}
	state, err := b.State(ctx, "example.com")
	require.NoError(t, err)
	require.Equal(t, job.CircuitOpen, state.Status)
	require.Equal(t, 21600, state.BackoffTime)
}

func TestRecordSuccessClearsState(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(t)
	ladder := DefaultLadder()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, "example.com", ladder))
	}
	require.NoError(t, b.RecordSuccess(ctx, "example.com"))

	allowed, _, err := b.Check(ctx, "example.com")
	require.NoError(t, err)
	require.True(t, allowed)

	state, err := b.State(ctx, "example.com")
	require.NoError(t, err)
	require.Equal(t, job.CircuitClosed, state.Status)
	require.Zero(t, state.Failures)
}

func TestRecordFailureWhileOpenDoesNotExtendBackoff(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(t)
	ladder := DefaultLadder()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, "example.com", ladder))
	}
	_, remainingBefore, err := b.Check(ctx, "example.com")
	require.NoError(t, err)

	require.NoError(t, b.RecordFailure(ctx, "example.com", ladder))
	_, remainingAfter, err := b.Check(ctx, "example.com")
	require.NoError(t, err)
	require.InDelta(t, remainingBefore, remainingAfter, 2)
}
