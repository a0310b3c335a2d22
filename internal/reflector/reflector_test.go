package reflector

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/99souls/fetchguard/internal/kv"
	"github.com/99souls/fetchguard/internal/memcache"
	"github.com/99souls/fetchguard/internal/memrepo"
	"github.com/99souls/fetchguard/internal/store"
	"github.com/99souls/fetchguard/pkg/job"
)

func newTestReflector(t *testing.T) (*Reflector, *memrepo.Repository) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := kv.NewFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	repo := memrepo.New(store.NewMemory(), memcache.New(client))
	return New(repo), repo
}

func TestReflectDomainAppliesSelectorMissFallback(t *testing.T) {
	ctx := context.Background()
	r, repo := newTestReflector(t)

	require.NoError(t, repo.AppendIncidents(ctx, []*job.IncidentLog{
		{Domain: "example.test", ErrorType: job.ErrorSelectorMiss, CreatedAt: time.Now()},
	}))

	adapter, err := r.ReflectDomain(ctx, "example.test")
	require.NoError(t, err)
	require.Equal(t, 1, adapter.Version)
	require.Equal(t, "//body//*", adapter.Selectors["fallback"])
	require.Equal(t, "//*[text()]", adapter.Selectors["text"])
	require.Len(t, adapter.AuditTrail, 1)
	require.Equal(t, []string{"selector_miss"}, adapter.AuditTrail[0].AppliedRules)
}

func TestReflectDomainSelectorMissDoesNotOverwriteExisting(t *testing.T) {
	ctx := context.Background()
	r, repo := newTestReflector(t)

	adapter := job.NewSiteAdapter("example.test")
	adapter.Selectors["fallback"] = "//custom"
	require.NoError(t, repo.SaveAdapter(ctx, adapter))

	require.NoError(t, repo.AppendIncidents(ctx, []*job.IncidentLog{
		{Domain: "example.test", ErrorType: job.ErrorSelectorMiss, CreatedAt: time.Now()},
	}))

	got, err := r.ReflectDomain(ctx, "example.test")
	require.NoError(t, err)
	require.Equal(t, "//custom", got.Selectors["fallback"])
	require.Equal(t, "//*[text()]", got.Selectors["text"])
}

func TestReflectDomainTimeoutRuleSetsNetworkIdleAndClampsTimeout(t *testing.T) {
	ctx := context.Background()
	r, repo := newTestReflector(t)

	require.NoError(t, repo.AppendIncidents(ctx, []*job.IncidentLog{
		{Domain: "example.test", ErrorType: job.ErrorTimeout, CreatedAt: time.Now()},
	}))

	adapter, err := r.ReflectDomain(ctx, "example.test")
	require.NoError(t, err)
	require.Equal(t, true, adapter.WaitStrategies["network_idle"])
	require.Equal(t, 30000, adapter.WaitStrategies["timeout_ms"])
}

func TestReflectDomainBlockedRuleSetsStealth(t *testing.T) {
	ctx := context.Background()
	r, repo := newTestReflector(t)

	require.NoError(t, repo.AppendIncidents(ctx, []*job.IncidentLog{
		{Domain: "example.test", ErrorType: job.ErrorBlocked, CreatedAt: time.Now()},
	}))

	adapter, err := r.ReflectDomain(ctx, "example.test")
	require.NoError(t, err)
	require.Equal(t, true, adapter.WaitStrategies["stealth"])
}

func TestReflectDomainNoUnresolvedIncidentsLeavesVersionUnchanged(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestReflector(t)

	adapter, err := r.ReflectDomain(ctx, "quiet.test")
	require.NoError(t, err)
	require.Equal(t, 0, adapter.Version)
	require.Empty(t, adapter.AuditTrail)
}

func TestReflectDomainVersionMonotonicityAcrossRuns(t *testing.T) {
	ctx := context.Background()
	r, repo := newTestReflector(t)

	require.NoError(t, repo.AppendIncidents(ctx, []*job.IncidentLog{
		{Domain: "example.test", ErrorType: job.ErrorBlocked, CreatedAt: time.Now()},
	}))
	first, err := r.ReflectDomain(ctx, "example.test")
	require.NoError(t, err)
	require.Equal(t, 1, first.Version)

	require.NoError(t, repo.AppendIncidents(ctx, []*job.IncidentLog{
		{Domain: "example.test", ErrorType: job.ErrorTimeout, CreatedAt: time.Now()},
	}))
	second, err := r.ReflectDomain(ctx, "example.test")
	require.NoError(t, err)
	require.Equal(t, 2, second.Version)
}
