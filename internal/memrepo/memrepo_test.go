package memrepo

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/99souls/fetchguard/internal/kv"
	"github.com/99souls/fetchguard/internal/memcache"
	"github.com/99souls/fetchguard/internal/store"
	"github.com/99souls/fetchguard/pkg/job"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := kv.NewFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return New(store.NewMemory(), memcache.New(client))
}

func TestRecordExecutionThenGetMemoryRoundTrips(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	require.NoError(t, r.RecordExecution(ctx, "job-1", map[string]any{"title": "a"}, nil, nil))

	payload, err := r.GetMemory(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "a", payload["title"])
}

func TestUpsertMemoryNewestWinsOnRead(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	require.NoError(t, r.UpsertMemory(ctx, &job.JobMemory{JobID: "job-1", Content: map[string]any{"v": 1}, CreatedAt: time.Now()}))
	require.NoError(t, r.UpsertMemory(ctx, &job.JobMemory{JobID: "job-1", Content: map[string]any{"v": 2}, CreatedAt: time.Now()}))

	payload, err := r.GetMemory(ctx, "job-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, payload["v"])
}

func TestGetAdapterReturnsDefaultWhenMissing(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	a, err := r.GetAdapter(ctx, "example.test")
	require.NoError(t, err)
	require.Equal(t, "example.test", a.Domain)
	require.Equal(t, 0, a.Version)
}

func TestSaveAdapterThenGetAdapterRoundTrips(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	a := job.NewSiteAdapter("example.test")
	a.Selectors["fallback"] = "//body//*"
	a.Version = 1
	require.NoError(t, r.SaveAdapter(ctx, a))

	got, err := r.GetAdapter(ctx, "example.test")
	require.NoError(t, err)
	require.Equal(t, 1, got.Version)
	require.Equal(t, "//body//*", got.Selectors["fallback"])
}

func TestAppendAndFetchIncidents(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	require.NoError(t, r.AppendIncidents(ctx, []*job.IncidentLog{
		{Domain: "example.test", ErrorType: job.ErrorSelectorMiss, CreatedAt: time.Now()},
	}))

	incidents, err := r.FetchIncidents(ctx, "example.test", 10)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
}

func TestAddAndLatestSummary(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	require.NoError(t, r.AddSummary(ctx, "example.test", map[string]any{"success_rate": 0.9}, time.Now()))

	summary, err := r.LatestSummary(ctx, "example.test")
	require.NoError(t, err)
	require.EqualValues(t, 0.9, summary["success_rate"])
}
