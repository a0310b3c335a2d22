package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/99souls/fetchguard/internal/circuit"
	"github.com/99souls/fetchguard/internal/executor"
	"github.com/99souls/fetchguard/internal/idempotency"
	"github.com/99souls/fetchguard/internal/kv"
	"github.com/99souls/fetchguard/internal/orchestrator"
	"github.com/99souls/fetchguard/internal/policy"
	"github.com/99souls/fetchguard/internal/queue"
	"github.com/99souls/fetchguard/internal/ratelimit"
	"github.com/99souls/fetchguard/internal/registry"
	"github.com/99souls/fetchguard/internal/state"
	"github.com/99souls/fetchguard/internal/store"
	"github.com/99souls/fetchguard/internal/telemetry/logging"
	"github.com/99souls/fetchguard/pkg/job"
)

type fakeExecutor struct{ result *executor.Result }

func (f *fakeExecutor) Execute(ctx context.Context, j *job.Job, target *job.TargetConfig) (*executor.Result, error) {
	return f.result, nil
}

func newTestServer(t *testing.T) (*Server, *kv.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := kv.NewFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	st := store.NewMemory()
	sm := state.New(st, client)
	qm := queue.New(client, "orchestrator")
	require.NoError(t, qm.EnsureGroups(context.Background()))
	lim := ratelimit.New(client)
	brk := circuit.New(client)
	reg, err := registry.New(t.TempDir(), logging.NewDevelopment())
	require.NoError(t, err)
	enforcer := policy.New(st, reg, lim, brk)
	idemp := idempotency.New(client)
	adapter := executor.New(&fakeExecutor{result: &executor.Result{Success: true, Data: map[string]any{"ok": true}}})

	cfg := orchestrator.Config{Workers: 1, MaxRetries: 2, RetryBaseDelay: time.Millisecond, RetryMaxDelay: 10 * time.Millisecond, JobTimeout: time.Second, DequeueTimeout: 10 * time.Millisecond}
	orch := orchestrator.New(cfg, st, sm, qm, enforcer, idemp, brk, reg, adapter, nil, nil, logging.NewDevelopment())
	return New(orch, st, client, logging.NewDevelopment()), client
}

func TestCreateJobReturns201WithJobID(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs?domain=example.test&url=https://example.test/a", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp createJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)
	require.Equal(t, "example.test", resp.Domain)
}

func TestCreateJobMissingParamsReturns400(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs?domain=example.test", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJobReturnsPersistedState(t *testing.T) {
	s, _ := newTestServer(t)

	create := httptest.NewRequest(http.MethodPost, "/jobs?domain=example.test&url=https://example.test/a", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, create)
	var created createJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+created.JobID, nil)
	w2 := httptest.NewRecorder()
	s.ServeHTTP(w2, req)

	require.Equal(t, http.StatusOK, w2.Code)
	var resp jobResponse
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &resp))
	require.Equal(t, created.JobID, resp.JobID)
	require.Equal(t, "example.test", resp.Domain)
}

func TestGetJobUnknownIDReturns404(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs/nope", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelJobMarksCancelled(t *testing.T) {
	s, _ := newTestServer(t)

	create := httptest.NewRequest(http.MethodPost, "/jobs?domain=example.test&url=https://example.test/a", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, create)
	var created createJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	req := httptest.NewRequest(http.MethodDelete, "/jobs/"+created.JobID, nil)
	w2 := httptest.NewRecorder()
	s.ServeHTTP(w2, req)

	require.Equal(t, http.StatusOK, w2.Code)
	var resp map[string]bool
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &resp))
	require.True(t, resp["cancelled"])
}

func TestQueueStatsReportsWorkersAndJobCounts(t *testing.T) {
	s, _ := newTestServer(t)

	create := httptest.NewRequest(http.MethodPost, "/jobs?domain=example.test&url=https://example.test/a", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, create)

	req := httptest.NewRequest(http.MethodGet, "/queue/stats", nil)
	w2 := httptest.NewRecorder()
	s.ServeHTTP(w2, req)

	require.Equal(t, http.StatusOK, w2.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &resp))
	require.EqualValues(t, 1, resp["workers"])
	require.Contains(t, resp, "jobs")
	require.Contains(t, resp, "queue")
}

func TestHealthReportsHealthyWhenStoreAndKVReachable(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "healthy", resp["status"])
}
