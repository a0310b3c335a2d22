// Command fetchguardd is the fetchguard service entrypoint: it wires
// every internal component from spec.md into a running worker pool and
// Submission API, the same way the teacher's cli/cmd/ariadne binary
// wires engine.New into a seed-driven crawl, just driven by an HTTP
// surface and a Redis-backed queue instead of a CLI seed list.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/99souls/fetchguard/internal/circuit"
	"github.com/99souls/fetchguard/internal/config"
	"github.com/99souls/fetchguard/internal/executor"
	"github.com/99souls/fetchguard/internal/httpapi"
	"github.com/99souls/fetchguard/internal/idempotency"
	"github.com/99souls/fetchguard/internal/kv"
	"github.com/99souls/fetchguard/internal/memcache"
	"github.com/99souls/fetchguard/internal/memrepo"
	"github.com/99souls/fetchguard/internal/orchestrator"
	"github.com/99souls/fetchguard/internal/policy"
	"github.com/99souls/fetchguard/internal/queue"
	"github.com/99souls/fetchguard/internal/ratelimit"
	"github.com/99souls/fetchguard/internal/reflection"
	"github.com/99souls/fetchguard/internal/reflector"
	"github.com/99souls/fetchguard/internal/registry"
	"github.com/99souls/fetchguard/internal/state"
	"github.com/99souls/fetchguard/internal/store"
	"github.com/99souls/fetchguard/internal/telemetry/logging"
	"github.com/99souls/fetchguard/internal/telemetry/metrics"
	"github.com/99souls/fetchguard/internal/telemetry/tracing"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath  string
		showVersion bool
		usePostgres bool
	)
	flag.StringVar(&configPath, "config", "", "Path to a YAML config file overlaying compiled defaults")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&usePostgres, "postgres", false, "Persist jobs to Postgres instead of the in-process memory store")
	flag.Parse()

	if showVersion {
		fmt.Println("fetchguardd – job execution platform")
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Logging)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log, usePostgres); err != nil {
		log.ErrorCtx(context.Background(), "fetchguardd exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) *logging.Logger {
	if cfg.Development {
		return logging.NewDevelopment()
	}
	return logging.New(nil)
}

func run(cfg config.Config, log *logging.Logger, usePostgres bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.InfoCtx(ctx, "signal received; initiating graceful shutdown")
		cancel()
		<-sigCh
		log.ErrorCtx(ctx, "second signal received; forcing exit")
		os.Exit(1)
	}()

	client := kv.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	st, err := openStore(cfg, usePostgres)
	if err != nil {
		return err
	}

	reg, err := registry.New(cfg.Registry.ConfigDir, log)
	if err != nil {
		return fmt.Errorf("load target registry: %w", err)
	}
	if cfg.Registry.WatchReload {
		if err := reg.Watch(ctx); err != nil {
			return fmt.Errorf("watch target registry: %w", err)
		}
	}
	defer func() { _ = reg.Close() }()

	var (
		provider     metrics.Provider
		promProvider *metrics.PrometheusProvider
	)
	switch cfg.Telemetry.MetricsBackend {
	case "otel":
		provider = metrics.NewOTelProvider(metrics.OTelProviderOptions{})
		log.InfoCtx(ctx, "metrics backend: otel (no scrape endpoint; wire an exporter at the MeterProvider)")
	default:
		promProvider = metrics.NewPrometheusProvider()
		provider = promProvider
	}
	app := metrics.NewApp(provider)

	if cfg.Telemetry.TracingEnabled {
		tp := sdktrace.NewTracerProvider()
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}
	tracer := tracing.NewOTelTracer("fetchguard")

	lim := ratelimit.New(client)
	lim.SetMetrics(app)
	brk := circuit.New(client)
	brk.SetMetrics(app)
	enforcer := policy.New(st, reg, lim, brk)
	idemp := idempotency.New(client)

	qm := queue.New(client, "fetchguard-workers")
	if err := qm.EnsureGroups(ctx); err != nil {
		return fmt.Errorf("ensure queue consumer groups: %w", err)
	}
	qm.SetMetrics(app)
	promoter := queue.NewPromoter(qm, log, cfg.Queue.PromoteInterval, instanceID())
	go promoter.Run(ctx)

	sm := state.New(st, client)
	cache := memcache.New(client)
	repo := memrepo.New(st, cache)

	reflect := reflector.New(repo)
	go runReflectionLoop(ctx, reflect, reg, log)

	reflectionPublisher := reflection.New(client, repo)
	reflectionPublisher.SetMetrics(app)

	vanilla := executor.NewVanillaExecutor("")
	adapter := executor.New(vanilla)
	adapter.SetMetrics(app)

	orchCfg := orchestrator.Config{
		Workers:        cfg.Orchestrator.Workers,
		MaxRetries:     cfg.Orchestrator.MaxRetries,
		RetryBaseDelay: cfg.Orchestrator.RetryBaseDelay,
		RetryMaxDelay:  cfg.Orchestrator.RetryMaxDelay,
		JobTimeout:     cfg.Orchestrator.JobTimeout,
		DequeueTimeout: cfg.Orchestrator.DequeueTimeout,
	}
	orch := orchestrator.New(orchCfg, st, sm, qm, enforcer, idemp, brk, reg, adapter, repo, reflectionPublisher, log)
	orch.SetMetrics(app)
	orch.SetTracer(tracer)

	orchDone := make(chan struct{})
	go func() {
		orch.Run(ctx)
		close(orchDone)
	}()

	apiServer := httpapi.New(orch, st, client, log)
	httpServer := &http.Server{
		Addr:         cfg.HTTP.ListenAddr,
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	var metricsServer *http.Server
	if promProvider != nil {
		metricsServer = &http.Server{
			Addr:    cfg.HTTP.MetricsListenAddr,
			Handler: promhttp.HandlerFor(promProvider.Registry(), promhttp.HandlerOpts{}),
		}
	}

	serverErrs := make(chan error, 2)
	go func() {
		log.InfoCtx(ctx, "submission API listening", zap.String("addr", cfg.HTTP.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrs <- fmt.Errorf("submission API: %w", err)
		}
	}()
	if metricsServer != nil {
		go func() {
			log.InfoCtx(ctx, "metrics listening", zap.String("addr", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErrs <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
		if metricsServer != nil {
			_ = metricsServer.Shutdown(shutdownCtx)
		}
	}()

	select {
	case err := <-serverErrs:
		cancel()
		<-orchDone
		return err
	case <-ctx.Done():
	}

	<-orchDone
	log.InfoCtx(context.Background(), "fetchguardd stopped")
	return nil
}

func openStore(cfg config.Config, usePostgres bool) (store.Store, error) {
	if !usePostgres {
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(cfg.Postgres.DSN, store.PostgresOptions{
		MaxOpenConns:    cfg.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	return pg, nil
}

// runReflectionLoop periodically runs the incident-driven adapter
// self-repair pass (internal/reflector) for every domain the target
// registry currently knows about. It is deliberately decoupled from
// the orchestrator's per-job worker loop: self-repair operates on
// accumulated incident history, not a single execution.
func runReflectionLoop(ctx context.Context, r *reflector.Reflector, reg *registry.Registry, log *logging.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, domain := range reg.Domains() {
				if _, err := r.ReflectDomain(ctx, domain); err != nil {
					log.ErrorCtx(ctx, "reflect domain failed", zap.String("domain", domain), zap.Error(err))
				}
			}
		}
	}
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return fmt.Sprintf("fetchguardd-%d", os.Getpid())
	}
	return host
}

