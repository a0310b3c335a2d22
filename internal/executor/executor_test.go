package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/99souls/fetchguard/internal/telemetry/metrics"
	"github.com/99souls/fetchguard/pkg/job"
)

func TestAdapterExecutesVanillaStrategy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title>Example</title></head><body><main>hello <b>world</b></main></body></html>`))
	}))
	defer srv.Close()

	a := New(NewVanillaExecutor(""))
	j := &job.Job{ID: "job-1", URL: srv.URL, Strategy: job.StrategyVanilla}
	target := &job.TargetConfig{Selectors: map[string]string{"main": "main"}}

	res := a.Execute(context.Background(), j, target, 5*time.Second)
	require.True(t, res.Success, res.Error)
	require.Equal(t, "Example", res.Data["title"])
	require.Contains(t, res.Data["markdown"], "hello")
}

func TestAdapterRecordsExecutorErrorsMetricForUnimplementedStrategy(t *testing.T) {
	a := New(NewVanillaExecutor(""))
	provider := metrics.NewPrometheusProvider()
	a.SetMetrics(metrics.NewApp(provider))
	j := &job.Job{ID: "job-1", URL: "https://example.test", Strategy: job.StrategyStealth}

	res := a.Execute(context.Background(), j, nil, 5*time.Second)
	require.False(t, res.Success)

	families, err := provider.Registry().Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "fetchguard_executor_errors_total" {
			found = true
		}
	}
	require.True(t, found, "expected fetchguard_executor_errors_total to be registered")
}

func TestAdapterReturnsExecutorUnavailableForUnimplementedStrategy(t *testing.T) {
	a := New(NewVanillaExecutor(""))
	j := &job.Job{ID: "job-1", URL: "https://example.test", Strategy: job.StrategyStealth}

	res := a.Execute(context.Background(), j, nil, 5*time.Second)
	require.False(t, res.Success)
	require.Equal(t, "executor_unavailable", res.Error)
}

func TestAdapterReturnsExecutorUnavailableForUnknownStrategy(t *testing.T) {
	a := New(NewVanillaExecutor(""))
	j := &job.Job{ID: "job-1", URL: "https://example.test", Strategy: job.Strategy("unknown")}

	res := a.Execute(context.Background(), j, nil, 5*time.Second)
	require.False(t, res.Success)
	require.Equal(t, "executor_unavailable", res.Error)
}

type panickingExecutor struct{}

func (panickingExecutor) Execute(context.Context, *job.Job, *job.TargetConfig) (*Result, error) {
	panic("boom")
}

func TestAdapterRecoversFromExecutorPanic(t *testing.T) {
	a := &Adapter{executors: map[job.Strategy]Executor{job.StrategyVanilla: panickingExecutor{}}}
	j := &job.Job{ID: "job-1", URL: "https://example.test", Strategy: job.StrategyVanilla}

	res := a.Execute(context.Background(), j, nil, 5*time.Second)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "executor panic")
}

func TestVanillaExecutorReportsHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := New(NewVanillaExecutor(""))
	j := &job.Job{ID: "job-1", URL: srv.URL, Strategy: job.StrategyVanilla}

	res := a.Execute(context.Background(), j, nil, 5*time.Second)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "404")
}
