package policy

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/99souls/fetchguard/internal/circuit"
	"github.com/99souls/fetchguard/internal/kv"
	"github.com/99souls/fetchguard/internal/ratelimit"
	"github.com/99souls/fetchguard/internal/store"
	"github.com/99souls/fetchguard/pkg/job"
)

func newTestEnforcer(t *testing.T) (*Enforcer, store.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := kv.NewFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	mem := store.NewMemory()
	limiter := ratelimit.New(client)
	breaker := circuit.New(client)
	return New(mem, nil, limiter, breaker), mem
}

func testJob(domain string, strategy job.Strategy) *job.Job {
	return &job.Job{ID: "job-1", Domain: domain, URL: "https://" + domain + "/", Strategy: strategy}
}

func TestEvaluateDeniesExplicitlyDeniedDomain(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEnforcer(t)
	require.NoError(t, st.UpsertDomainPolicy(ctx, &job.DomainPolicy{Domain: "blocked.com", Denied: true}))

	d, err := e.Evaluate(ctx, testJob("blocked.com", job.StrategyVanilla), job.AuthPublic, "user-1", "1.2.3.4")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, job.ActionDeny, d.Action)
}

func TestEvaluateAllowsWithNoPolicyOnRecord(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEnforcer(t)

	d, err := e.Evaluate(ctx, testJob("example.com", job.StrategyVanilla), job.AuthPublic, "user-1", "1.2.3.4")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, job.ActionAllow, d.Action)
}

func TestEvaluateRejectsPrivilegedStrategyForPublicAuth(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEnforcer(t)

	d, err := e.Evaluate(ctx, testJob("example.com", job.StrategyAssault), job.AuthPublic, "user-1", "1.2.3.4")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, job.ActionStrategyRestricted, d.Action)
}

func TestEvaluateAllowsPrivilegedStrategyForPrivilegedAuth(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEnforcer(t)

	d, err := e.Evaluate(ctx, testJob("example.com", job.StrategyAssault), job.AuthPrivileged, "user-1", "1.2.3.4")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestEvaluateDeniesStrategyNotInDomainAllowlist(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEnforcer(t)
	require.NoError(t, st.UpsertDomainPolicy(ctx, &job.DomainPolicy{
		Domain: "example.com", Allowed: true, PermittedStrategies: []string{"vanilla"},
	}))

	d, err := e.Evaluate(ctx, testJob("example.com", job.StrategyStealth), job.AuthPrivileged, "user-1", "1.2.3.4")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, job.ActionStrategyRestricted, d.Action)
}

func TestEvaluateAppliesRateLimitAfterRepeatedCalls(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEnforcer(t)
	limit := 1
	require.NoError(t, st.UpsertDomainPolicy(ctx, &job.DomainPolicy{
		Domain: "example.com", Allowed: true, RateLimitPerMinute: &limit,
	}))

	first, err := e.Evaluate(ctx, testJob("example.com", job.StrategyVanilla), job.AuthPublic, "user-1", "1.2.3.4")
	require.NoError(t, err)
	require.True(t, first.Allowed)

	second, err := e.Evaluate(ctx, testJob("example.com", job.StrategyVanilla), job.AuthPublic, "user-1", "5.6.7.8")
	require.NoError(t, err)
	require.False(t, second.Allowed)
	require.Equal(t, job.ActionRateLimit, second.Action)
}
