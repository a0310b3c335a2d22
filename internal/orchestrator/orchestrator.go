// Package orchestrator implements the Job Orchestrator from spec.md
// §4.9: idempotent ingress, a fixed-size worker pool dispatching off
// the priority queue, the per-job lifecycle state machine, and the
// retry/DLQ policy. Every collaborator is accepted as a narrow
// interface so the worker loop can be tested without Redis or
// Postgres.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/99souls/fetchguard/internal/circuit"
	"github.com/99souls/fetchguard/internal/executor"
	"github.com/99souls/fetchguard/internal/policy"
	"github.com/99souls/fetchguard/internal/queue"
	"github.com/99souls/fetchguard/internal/registry"
	"github.com/99souls/fetchguard/internal/store"
	"github.com/99souls/fetchguard/internal/telemetry/logging"
	"github.com/99souls/fetchguard/internal/telemetry/metrics"
	"github.com/99souls/fetchguard/internal/telemetry/tracing"
	"github.com/99souls/fetchguard/pkg/job"
	"go.uber.org/zap"
)

// Idempotency is the subset of internal/idempotency's Engine the
// orchestrator needs.
type Idempotency interface {
	Check(ctx context.Context, key string) (jobID string, found bool, err error)
	Store(ctx context.Context, key, jobID string) error
}

// State is the subset of internal/state's Manager the orchestrator needs.
type State interface {
	UpdateStatus(ctx context.Context, id string, status job.Status, result, artifacts map[string]any, jobErr string) error
	IncrementAttempts(ctx context.Context, id string) (int, error)
	GetJobState(ctx context.Context, id string) (*job.Job, error)
	GetJobsByStatus(ctx context.Context, filter store.JobFilter) ([]*job.Job, error)
}

// MemoryWriter is the subset of internal/memrepo's Repository the
// orchestrator needs to persist a completed execution's JobMemory.
type MemoryWriter interface {
	RecordExecution(ctx context.Context, jobID string, content map[string]any, artifacts map[string]any, adapterVersion *int) error
}

// ReflectionPublisher is the subset of the Reflection Publisher the
// orchestrator fires-and-forgets results to.
type ReflectionPublisher interface {
	Publish(ctx context.Context, j *job.Job, result *executor.Result)
}

// Config tunes worker-pool size, retry policy, and per-job timeout.
type Config struct {
	Workers        int
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	JobTimeout     time.Duration
	DequeueTimeout time.Duration
}

// Orchestrator owns CreateJob ingress and the worker pool that drains
// the priority queue.
type Orchestrator struct {
	cfg         Config
	store       store.Store
	state       State
	queue       *queue.Manager
	policy      *policy.Enforcer
	idempotency Idempotency
	breaker     *circuit.Breaker
	registry    *registry.Registry
	executor    *executor.Adapter
	memory      MemoryWriter
	reflection  ReflectionPublisher
	metrics     *metrics.App
	tracer      tracing.Tracer
	log         *logging.Logger

	wg sync.WaitGroup
}

// SetMetrics attaches the metric instruments this Orchestrator records
// lifecycle counts and durations against. Optional — a nil or never-set
// app simply means no metrics are recorded.
func (o *Orchestrator) SetMetrics(app *metrics.App) { o.metrics = app }

// SetTracer attaches the tracer spans are started against for each
// job's dequeue -> execute -> persist attempt. Optional — a nil or
// never-set tracer leaves the no-op tracer in place.
func (o *Orchestrator) SetTracer(t tracing.Tracer) {
	if t != nil {
		o.tracer = t
	}
}

// New wires an Orchestrator. memory and reflection may be nil (the
// worker loop then skips memory writes / reflection publication) so
// the orchestrator can be stood up before those components exist.
func New(cfg Config, st store.Store, state State, q *queue.Manager, enforcer *policy.Enforcer, idemp Idempotency, breaker *circuit.Breaker, reg *registry.Registry, exec *executor.Adapter, memory MemoryWriter, reflection ReflectionPublisher, log *logging.Logger) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Minute
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 300 * time.Second
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = time.Second
	}
	return &Orchestrator{
		cfg: cfg, store: st, state: state, queue: q, policy: enforcer,
		idempotency: idemp, breaker: breaker, registry: reg, executor: exec,
		memory: memory, reflection: reflection, log: log,
		tracer: tracing.NewTracer(false),
	}
}

// CreateJob ingresses a new job per spec.md §4.9's six-step sequence,
// returning its id whether freshly created, recognized as a
// resubmission, or denied by policy.
func (o *Orchestrator) CreateJob(ctx context.Context, domain, url string, strategy job.Strategy, payload map[string]any, priority job.Priority, authMode job.AuthMode, userID, ip, idempotencyKey string) (string, error) {
	if idempotencyKey != "" && o.idempotency != nil {
		if existing, found, err := o.idempotency.Check(ctx, idempotencyKey); err != nil {
			return "", fmt.Errorf("orchestrator: idempotency check: %w", err)
		} else if found {
			return existing, nil
		}
	}

	id := uuid.NewString()
	j := &job.Job{
		ID: id, Domain: domain, URL: url, Type: job.TypeNavigateExtract,
		Strategy: strategy, Payload: payload, Priority: priority,
		Status: job.StatusPending, CreatedAt: time.Now(), IdempotencyKey: idempotencyKey,
	}

	decision, err := o.policy.Evaluate(ctx, j, authMode, userID, ip)
	if err != nil {
		return "", fmt.Errorf("orchestrator: policy evaluate: %w", err)
	}
	if !decision.Allowed {
		j.Status = job.StatusFailed
		j.Error = decision.Reason
		if err := o.store.InsertJob(ctx, j); err != nil {
			return "", fmt.Errorf("orchestrator: insert denied job: %w", err)
		}
		return id, nil
	}

	if err := o.store.InsertJob(ctx, j); err != nil {
		return "", fmt.Errorf("orchestrator: insert job: %w", err)
	}
	if err := o.state.UpdateStatus(ctx, id, job.StatusQueued, nil, nil, ""); err != nil {
		return "", fmt.Errorf("orchestrator: mark queued: %w", err)
	}
	if _, err := o.queue.Enqueue(ctx, id, priority, domain, ""); err != nil {
		return "", fmt.Errorf("orchestrator: enqueue: %w", err)
	}
	if idempotencyKey != "" && o.idempotency != nil {
		if err := o.idempotency.Store(ctx, idempotencyKey, id); err != nil {
			return "", fmt.Errorf("orchestrator: store idempotency key: %w", err)
		}
	}
	if o.metrics != nil {
		o.metrics.JobsSubmitted.Inc(1, strconv.Itoa(int(priority)), domain)
	}
	return id, nil
}

// CancelJob marks a non-terminal job cancelled and best-effort removes
// it from the queue, reporting whether it actually cancelled anything.
// Workers also re-check status before executing, so a job already
// claimed still stops short of running.
func (o *Orchestrator) CancelJob(ctx context.Context, id string) (bool, error) {
	j, err := o.state.GetJobState(ctx, id)
	if err != nil {
		return false, fmt.Errorf("orchestrator: load job %s: %w", id, err)
	}
	switch j.Status {
	case job.StatusPending, job.StatusQueued, job.StatusRunning:
	default:
		return false, nil
	}
	if err := o.state.UpdateStatus(ctx, id, job.StatusCancelled, nil, nil, ""); err != nil {
		return false, fmt.Errorf("orchestrator: mark cancelled: %w", err)
	}
	if err := o.queue.Remove(ctx, id); err != nil {
		return false, fmt.Errorf("orchestrator: remove from queue: %w", err)
	}
	return true, nil
}

// GetQueueStats, GetQueueDepth, and GetJobStatus are pass-through
// composites over the queue and state managers.
func (o *Orchestrator) GetQueueStats(ctx context.Context) (queue.Stats, error) { return o.queue.GetStats(ctx) }
func (o *Orchestrator) GetQueueDepth(ctx context.Context) (int64, error)       { return o.queue.GetDepth(ctx) }
func (o *Orchestrator) GetJobStatus(ctx context.Context, id string) (*job.Job, error) {
	return o.state.GetJobState(ctx, id)
}

// Workers reports the configured worker-pool size.
func (o *Orchestrator) Workers() int { return o.cfg.Workers }

// JobStatusCounts returns the number of jobs in each terminal/
// non-terminal status, for the queue-stats endpoint's jobs breakdown.
func (o *Orchestrator) JobStatusCounts(ctx context.Context) (map[job.Status]int, error) {
	counts := make(map[job.Status]int, len(statusesToCount))
	for _, status := range statusesToCount {
		jobs, err := o.state.GetJobsByStatus(ctx, store.JobFilter{Status: status, Limit: 0})
		if err != nil {
			return nil, fmt.Errorf("orchestrator: count jobs with status %s: %w", status, err)
		}
		counts[status] = len(jobs)
	}
	return counts, nil
}

var statusesToCount = []job.Status{
	job.StatusPending, job.StatusQueued, job.StatusRunning,
	job.StatusCompleted, job.StatusFailed, job.StatusCancelled, job.StatusDLQ,
}

// Run starts the worker pool and blocks until ctx is cancelled, then
// waits for in-flight jobs to finish.
func (o *Orchestrator) Run(ctx context.Context) {
	o.wg.Add(o.cfg.Workers)
	for i := 0; i < o.cfg.Workers; i++ {
		consumer := fmt.Sprintf("worker-%d", i)
		go o.workerLoop(ctx, consumer)
	}
	o.wg.Wait()
}

func (o *Orchestrator) workerLoop(ctx context.Context, consumer string) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, err := o.queue.Dequeue(ctx, consumer, o.cfg.DequeueTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			o.log.ErrorCtx(ctx, "dequeue failed", zap.String("consumer", consumer), zap.Error(err))
			continue
		}
		if msg == nil {
			continue
		}
		o.ProcessJob(ctx, msg)
	}
}

// ProcessJob runs the full lifecycle for one dequeued message: load,
// mark running, execute, then settle into completed/failed-with-retry/
// dlq per spec.md §4.9 step 5.
func (o *Orchestrator) ProcessJob(ctx context.Context, msg *queue.Message) {
	ctx, span := o.tracer.StartSpan(ctx, "orchestrator.process_job")
	span.SetAttribute("job_id", msg.JobID)
	defer span.End()

	j, err := o.state.GetJobState(ctx, msg.JobID)
	if err != nil {
		o.log.ErrorCtx(ctx, "process job: load failed", zap.String("job_id", msg.JobID), zap.Error(err))
		return
	}

	// The concurrency slot was acquired at submission (policy.Evaluate ->
	// ratelimit.Acquire), so it must be released on every path out of
	// here from this point on, including a job cancelled before pickup —
	// otherwise the slot leaks until the safety TTL expires.
	defer func() {
		if err := o.policy.Release(ctx, j.Domain); err != nil {
			o.log.ErrorCtx(ctx, "process job: release concurrency failed", zap.String("job_id", j.ID), zap.Error(err))
		}
	}()

	if j.Status == job.StatusCancelled {
		return
	}
	span.SetAttribute("domain", j.Domain)
	span.SetAttribute("strategy", string(j.Strategy))

	if err := o.state.UpdateStatus(ctx, j.ID, job.StatusRunning, nil, nil, ""); err != nil {
		o.log.ErrorCtx(ctx, "process job: mark running failed", zap.String("job_id", j.ID), zap.Error(err))
		return
	}

	target := o.registry.Resolve(j.Domain)

	execCtx, execSpan := o.tracer.StartSpan(ctx, "orchestrator.execute")
	result := o.executor.Execute(execCtx, j, target, o.cfg.JobTimeout)
	execSpan.SetAttribute("success", result.Success)
	execSpan.End()

	if result.Success {
		o.onSuccess(ctx, j, result, target)
		return
	}
	o.onFailure(ctx, j, result, target)
}

func (o *Orchestrator) onSuccess(ctx context.Context, j *job.Job, result *executor.Result, target *job.TargetConfig) {
	if err := o.state.UpdateStatus(ctx, j.ID, job.StatusCompleted, result.Data, result.Artifacts, ""); err != nil {
		o.log.ErrorCtx(ctx, "process job: mark completed failed", zap.String("job_id", j.ID), zap.Error(err))
	}
	if o.memory != nil {
		if err := o.memory.RecordExecution(ctx, j.ID, result.Data, result.Artifacts, nil); err != nil {
			o.log.ErrorCtx(ctx, "process job: memory write failed", zap.String("job_id", j.ID), zap.Error(err))
		}
	}
	if o.breaker != nil {
		if err := o.breaker.RecordSuccess(ctx, j.Domain); err != nil {
			o.log.ErrorCtx(ctx, "process job: circuit success record failed", zap.String("job_id", j.ID), zap.Error(err))
		}
	}
	o.publishReflection(ctx, j, result)
	if o.metrics != nil {
		o.metrics.JobsCompleted.Inc(1, j.Domain)
		o.metrics.JobDuration.Observe(result.ExecutionTime.Seconds(), j.Domain, string(j.Strategy))
	}
}

func (o *Orchestrator) onFailure(ctx context.Context, j *job.Job, result *executor.Result, target *job.TargetConfig) {
	attempts, err := o.state.IncrementAttempts(ctx, j.ID)
	if err != nil {
		o.log.ErrorCtx(ctx, "process job: increment attempts failed", zap.String("job_id", j.ID), zap.Error(err))
		attempts = j.Attempts + 1
	}

	if attempts < o.cfg.MaxRetries {
		if err := o.state.UpdateStatus(ctx, j.ID, job.StatusFailed, nil, nil, result.Error); err != nil {
			o.log.ErrorCtx(ctx, "process job: mark failed failed", zap.String("job_id", j.ID), zap.Error(err))
		}
		delay := backoffDelay(o.cfg.RetryBaseDelay, o.cfg.RetryMaxDelay, attempts)
		if err := o.queue.Requeue(ctx, j.ID, j.Priority, j.Domain, delay); err != nil {
			o.log.ErrorCtx(ctx, "process job: requeue failed", zap.String("job_id", j.ID), zap.Error(err))
		}
		if o.metrics != nil {
			o.metrics.JobsFailed.Inc(1, j.Domain, "retry_scheduled")
		}
	} else {
		if err := o.queue.RouteToDLQ(ctx, j.ID, j.Domain, result.Error); err != nil {
			o.log.ErrorCtx(ctx, "process job: route to dlq failed", zap.String("job_id", j.ID), zap.Error(err))
		}
		if err := o.state.UpdateStatus(ctx, j.ID, job.StatusDLQ, nil, nil, result.Error); err != nil {
			o.log.ErrorCtx(ctx, "process job: mark dlq failed", zap.String("job_id", j.ID), zap.Error(err))
		}
		if o.metrics != nil {
			o.metrics.JobsDLQ.Inc(1, j.Domain)
		}
	}

	if o.breaker != nil {
		ladder := circuit.DefaultLadder()
		if target != nil {
			ladder = circuit.LadderFromSettings(target.CircuitBreakerSettings)
		}
		if err := o.breaker.RecordFailure(ctx, j.Domain, ladder); err != nil {
			o.log.ErrorCtx(ctx, "process job: circuit failure record failed", zap.String("job_id", j.ID), zap.Error(err))
		}
	}
	o.publishReflection(ctx, j, result)
}

func (o *Orchestrator) publishReflection(ctx context.Context, j *job.Job, result *executor.Result) {
	if o.reflection == nil {
		return
	}
	go o.reflection.Publish(context.WithoutCancel(ctx), j, result)
}

// backoffDelay is base * 2^attempts clamped to max, per spec.md §4.9.
func backoffDelay(base, max time.Duration, attempts int) time.Duration {
	delay := base * time.Duration(math.Pow(2, float64(attempts)))
	if delay > max || delay < 0 {
		return max
	}
	return delay
}
