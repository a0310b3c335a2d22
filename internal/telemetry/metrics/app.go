package metrics

// App bundles the pre-declared metric instruments every fetchguard
// component records against, so callers don't repeat CommonOpts at
// every call site and every deployment reports the same metric names.
type App struct {
	JobsSubmitted        Counter
	JobsCompleted        Counter
	JobsFailed           Counter
	JobsDLQ              Counter
	QueueDepth           Gauge
	JobDuration          Histogram
	CircuitState         Gauge
	RateLimitRejections  Counter
	ExecutorErrors       Counter
	CacheHits            Counter
	CacheMisses          Counter
	ReflectionsPublished Counter
}

// NewApp registers the fetchguard metric surface against provider.
func NewApp(provider Provider) *App {
	ns := CommonOpts{Namespace: "fetchguard"}
	withName := func(name, help string, labels ...string) CommonOpts {
		o := ns
		o.Name = name
		o.Help = help
		o.Labels = labels
		return o
	}
	return &App{
		JobsSubmitted: provider.NewCounter(CounterOpts{withName("jobs_submitted_total", "Jobs accepted by the orchestrator.", "priority", "domain")}),
		JobsCompleted: provider.NewCounter(CounterOpts{withName("jobs_completed_total", "Jobs that reached completed.", "domain")}),
		JobsFailed:    provider.NewCounter(CounterOpts{withName("jobs_failed_total", "Jobs that reached failed.", "domain", "reason")}),
		JobsDLQ:       provider.NewCounter(CounterOpts{withName("jobs_dlq_total", "Jobs routed to the dead letter queue.", "domain")}),
		QueueDepth:    provider.NewGauge(GaugeOpts{withName("queue_depth", "Pending entries per priority stream.", "priority")}),
		JobDuration: provider.NewHistogram(HistogramOpts{
			CommonOpts: withName("job_duration_seconds", "End-to-end job processing time.", "domain", "strategy"),
			Buckets:    []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		CircuitState:         provider.NewGauge(GaugeOpts{withName("circuit_state", "0=closed 1=open.", "domain")}),
		RateLimitRejections:  provider.NewCounter(CounterOpts{withName("rate_limit_rejections_total", "Requests rejected by the rate limiter.", "domain", "scope")}),
		ExecutorErrors:       provider.NewCounter(CounterOpts{withName("executor_errors_total", "Errors raised by an executor adapter.", "strategy", "error_type")}),
		CacheHits:            provider.NewCounter(CounterOpts{withName("cache_hits_total", "Read-through cache hits.", "domain")}),
		CacheMisses:          provider.NewCounter(CounterOpts{withName("cache_misses_total", "Read-through cache misses.", "domain")}),
		ReflectionsPublished: provider.NewCounter(CounterOpts{withName("reflections_published_total", "Reflection signals published to the memory service.", "domain", "signal")}),
	}
}
