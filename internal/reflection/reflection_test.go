package reflection

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/99souls/fetchguard/internal/executor"
	"github.com/99souls/fetchguard/internal/kv"
	"github.com/99souls/fetchguard/internal/memcache"
	"github.com/99souls/fetchguard/internal/memrepo"
	"github.com/99souls/fetchguard/internal/store"
	"github.com/99souls/fetchguard/internal/telemetry/metrics"
	"github.com/99souls/fetchguard/pkg/job"
)

func newTestPublisher(t *testing.T) (*Publisher, *memrepo.Repository) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := kv.NewFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	repo := memrepo.New(store.NewMemory(), memcache.New(client))
	return New(client, repo), repo
}

func testJob(domain string) *job.Job {
	return &job.Job{ID: "job-1", Domain: domain, Strategy: job.StrategyVanilla}
}

func TestPublishRecordsReflectionsPublishedMetric(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPublisher(t)
	provider := metrics.NewPrometheusProvider()
	p.SetMetrics(metrics.NewApp(provider))

	p.Publish(ctx, testJob("example.test"), &executor.Result{Success: true, ExecutionTime: 100 * time.Millisecond})

	families, err := provider.Registry().Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "fetchguard_reflections_published_total" {
			found = true
		}
	}
	require.True(t, found, "expected fetchguard_reflections_published_total to be registered")
}

func TestPublishAppendsTimingHistoryEntry(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPublisher(t)

	p.Publish(ctx, testJob("example.test"), &executor.Result{Success: true, ExecutionTime: 100 * time.Millisecond})

	entries, err := p.kv.LRange(ctx, "timing:example.test", 0, -1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestErrorAnalysisRaisesIncidentAtFrequencyThreshold(t *testing.T) {
	ctx := context.Background()
	p, repo := newTestPublisher(t)
	j := testJob("example.test")

	for i := 0; i < 3; i++ {
		p.Publish(ctx, j, &executor.Result{Success: false, Error: "request timeout after 30s"})
	}

	incidents, err := repo.FetchIncidents(ctx, "example.test", 10)
	require.NoError(t, err)
	// Every publish also raises an hour-concentration incident from the
	// domain pattern analysis; only error-analysis incidents are flagged.
	var flagged []*job.IncidentLog
	for _, inc := range incidents {
		if inc.Context["requires_attention"] == true {
			flagged = append(flagged, inc)
		}
	}
	require.Len(t, flagged, 1)
	require.Equal(t, job.ErrorTimeout, flagged[0].ErrorType)
	require.Equal(t, true, flagged[0].Context["requires_attention"])
}

func TestErrorAnalysisDoesNotRaiseIncidentBelowThreshold(t *testing.T) {
	ctx := context.Background()
	p, repo := newTestPublisher(t)
	j := testJob("example.test")

	p.Publish(ctx, j, &executor.Result{Success: false, Error: "blocked by waf"})
	p.Publish(ctx, j, &executor.Result{Success: false, Error: "blocked by waf"})

	incidents, err := repo.FetchIncidents(ctx, "example.test", 10)
	require.NoError(t, err)
	var flagged []*job.IncidentLog
	for _, inc := range incidents {
		if inc.Context["requires_attention"] == true {
			flagged = append(flagged, inc)
		}
	}
	require.Empty(t, flagged)
}

func TestClassifyErrorOrdersSubstringMatches(t *testing.T) {
	require.Equal(t, job.ErrorTimeout, classifyError("connection timeout"))
	require.Equal(t, job.ErrorNetwork, classifyError("network unreachable"))
	require.Equal(t, job.ErrorNotFound, classifyError("404 not found"))
	require.Equal(t, job.ErrorForbidden, classifyError("403 forbidden"))
	require.Equal(t, job.ErrorCaptcha, classifyError("captcha required"))
	require.Equal(t, job.ErrorBlocked, classifyError("request blocked"))
	require.Equal(t, job.ErrorGeneric, classifyError("something unexpected"))
}

func TestSuccessAnalysisResetsStreakOnFailure(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPublisher(t)
	j := testJob("example.test")

	p.Publish(ctx, j, &executor.Result{Success: true})
	p.Publish(ctx, j, &executor.Result{Success: true})
	require.Equal(t, 2, readInt(ctx, p.kv, "success_streak:example.test"))

	p.Publish(ctx, j, &executor.Result{Success: false, Error: "x"})
	require.Equal(t, 0, readInt(ctx, p.kv, "success_streak:example.test"))
}

func TestSuccessAnalysisAddsSummaryAtStreakThreshold(t *testing.T) {
	ctx := context.Background()
	p, repo := newTestPublisher(t)
	j := testJob("example.test")

	for i := 0; i < streakReduceEvasion; i++ {
		p.Publish(ctx, j, &executor.Result{Success: true})
	}

	summary, err := repo.LatestSummary(ctx, "example.test")
	require.NoError(t, err)
	require.Equal(t, "reduce_evasion", summary["recommendation"])
}

func TestEvasionAnalysisRecommendsReduceOnHighSuccessRate(t *testing.T) {
	ctx := context.Background()
	p, repo := newTestPublisher(t)
	j := testJob("example.test")

	for i := 0; i < 5; i++ {
		p.Publish(ctx, j, &executor.Result{Success: true})
	}

	summary, err := repo.LatestSummary(ctx, "example.test")
	require.NoError(t, err)
	require.Equal(t, "reduce_evasion", summary["recommendation"])
	require.Equal(t, "vanilla", summary["evasion_level"])
}

func TestEvasionAnalysisRecommendsIncreaseOnLowSuccessRate(t *testing.T) {
	ctx := context.Background()
	p, repo := newTestPublisher(t)
	j := testJob("example.test")

	for i := 0; i < 5; i++ {
		p.Publish(ctx, j, &executor.Result{Success: false, Error: "blocked"})
	}

	summary, err := repo.LatestSummary(ctx, "example.test")
	require.NoError(t, err)
	require.Equal(t, "increase_evasion", summary["recommendation"])
}

func TestDomainPatternAnalysisWarnsOnHourConcentration(t *testing.T) {
	ctx := context.Background()
	p, repo := newTestPublisher(t)
	j := testJob("example.test")

	p.Publish(ctx, j, &executor.Result{Success: true})

	incidents, err := repo.FetchIncidents(ctx, "example.test", 10)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	require.Equal(t, "hour_concentration", incidents[0].Context["pattern"])
}

func TestPublishNeverPanicsWithoutRepo(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := kv.NewFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	p := New(client, nil)

	require.NotPanics(t, func() {
		p.Publish(ctx, testJob("example.test"), &executor.Result{Success: false, Error: "timeout"})
	})
}
