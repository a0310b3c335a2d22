package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestOTelProviderRecordsCounterThroughManualReader(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p := NewOTelProvider(OTelProviderOptions{Reader: reader})

	c := p.NewCounter(CounterOpts{CommonOpts{Namespace: "fetchguard", Name: "jobs_total", Help: "x", Labels: []string{"domain"}}})
	c.Inc(1, "example.com")
	c.Inc(2, "example.com")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.NotEmpty(t, rm.ScopeMetrics)
	require.NotEmpty(t, rm.ScopeMetrics[0].Metrics)
	assert.Equal(t, "fetchguard.jobs_total", rm.ScopeMetrics[0].Metrics[0].Name)
	assert.NoError(t, p.Health(context.Background()))
}

func TestAppRegistersAllInstrumentsOnOTelProviderWithoutPanicking(t *testing.T) {
	p := NewOTelProvider(OTelProviderOptions{})
	app := NewApp(p)
	app.JobsSubmitted.Inc(1, "normal", "example.com")
	app.QueueDepth.Set(3, "normal")
	app.JobDuration.Observe(1.5, "example.com", "vanilla")
	assert.NoError(t, p.Health(context.Background()))
}
