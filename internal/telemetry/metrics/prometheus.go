package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusProvider implements Provider on top of a dedicated
// prometheus.Registry, registering each distinct metric name once and
// caching the vector for subsequent NewCounter/NewGauge/NewHistogram
// calls with the same opts.
type PrometheusProvider struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusProvider constructs a provider backed by its own
// registry so fetchguard's metrics never collide with process-default
// collectors registered by imported libraries.
func NewPrometheusProvider() *PrometheusProvider {
	return &PrometheusProvider{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry exposes the underlying registry for wiring into an HTTP
// /metrics handler.
func (p *PrometheusProvider) Registry() *prometheus.Registry { return p.registry }

func fqName(o CommonOpts) string {
	return prometheus.BuildFQName(o.Namespace, o.Subsystem, o.Name)
}

func (p *PrometheusProvider) NewCounter(opts CounterOpts) Counter {
	name := fqName(opts.CommonOpts)
	p.mu.Lock()
	defer p.mu.Unlock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: opts.Help}, opts.Labels)
		p.registry.MustRegister(vec)
		p.counters[name] = vec
	}
	return promCounter{vec: vec}
}

func (p *PrometheusProvider) NewGauge(opts GaugeOpts) Gauge {
	name := fqName(opts.CommonOpts)
	p.mu.Lock()
	defer p.mu.Unlock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: opts.Help}, opts.Labels)
		p.registry.MustRegister(vec)
		p.gauges[name] = vec
	}
	return promGauge{vec: vec}
}

func (p *PrometheusProvider) NewHistogram(opts HistogramOpts) Histogram {
	name := fqName(opts.CommonOpts)
	p.mu.Lock()
	defer p.mu.Unlock()
	vec, ok := p.histograms[name]
	if !ok {
		buckets := opts.Buckets
		if len(buckets) == 0 {
			buckets = prometheus.DefBuckets
		}
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: opts.Help, Buckets: buckets}, opts.Labels)
		p.registry.MustRegister(vec)
		p.histograms[name] = vec
	}
	return promHistogram{vec: vec}
}

func (p *PrometheusProvider) NewTimer(opts HistogramOpts) func() Timer {
	h := p.NewHistogram(opts)
	return func() Timer { return timerHistogram{h: h, start: nowFunc()} }
}

func (p *PrometheusProvider) Health(context.Context) error {
	if _, err := p.registry.Gather(); err != nil {
		return fmt.Errorf("metrics registry gather: %w", err)
	}
	return nil
}

type promCounter struct{ vec *prometheus.CounterVec }

func (c promCounter) Inc(delta float64, labels ...string) { c.vec.WithLabelValues(labels...).Add(delta) }

type promGauge struct{ vec *prometheus.GaugeVec }

func (g promGauge) Set(v float64, labels ...string)    { g.vec.WithLabelValues(labels...).Set(v) }
func (g promGauge) Add(delta float64, labels ...string) { g.vec.WithLabelValues(labels...).Add(delta) }

type promHistogram struct{ vec *prometheus.HistogramVec }

func (h promHistogram) Observe(v float64, labels ...string) { h.vec.WithLabelValues(labels...).Observe(v) }

type timerHistogram struct {
	h     Histogram
	start time.Time
}

func (t timerHistogram) ObserveDuration(labels ...string) {
	t.h.Observe(time.Since(t.start).Seconds(), labels...)
}

// nowFunc is a seam so tests can freeze time; production always uses
// the wall clock.
var nowFunc = time.Now
