// Package executor implements the Executor Adapter from spec.md §4.10:
// a polymorphic resolver over strategies, where "vanilla" is backed by
// a real HTTP fetch + extraction pipeline and every other strategy is a
// stub until its evasion engine exists. The Adapter never raises — any
// panic inside an Executor is caught and converted to a failed result.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/99souls/fetchguard/internal/telemetry/metrics"
	"github.com/99souls/fetchguard/pkg/job"
)

// Result is the outcome of one execution.
type Result struct {
	Success       bool
	Data          map[string]any
	Artifacts     map[string]any
	Error         string
	ExecutionTime time.Duration
}

// Executor runs one job under a specific strategy.
type Executor interface {
	Execute(ctx context.Context, j *job.Job, target *job.TargetConfig) (*Result, error)
}

// Adapter resolves a Job's strategy to its Executor and runs it,
// catching panics and converting unknown strategies into a failed
// Result rather than an error — spec.md §4.10 requires the Adapter
// itself to never raise.
type Adapter struct {
	executors map[job.Strategy]Executor
	metrics   *metrics.App
}

// New returns an Adapter with a real vanilla executor and stubs for
// every evasion strategy this core does not yet implement.
func New(vanilla Executor) *Adapter {
	stub := stubExecutor{}
	return &Adapter{executors: map[job.Strategy]Executor{
		job.StrategyVanilla:        vanilla,
		job.StrategyStealth:        stub,
		job.StrategyUltimateStealth: stub,
		job.StrategyAssault:        stub,
		job.StrategyCustom:         stub,
	}}
}

// SetMetrics attaches the counter executor errors are recorded
// against. Optional — a nil or never-set app simply means no metrics
// recorded.
func (a *Adapter) SetMetrics(app *metrics.App) { a.metrics = app }

// Execute resolves j.Strategy to its Executor and runs it within
// timeout, recovering from any panic.
func (a *Adapter) Execute(ctx context.Context, j *job.Job, target *job.TargetConfig, timeout time.Duration) (result *Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = &Result{Success: false, Error: fmt.Sprintf("executor panic: %v", r), ExecutionTime: time.Since(start)}
		}
	}()

	exec, ok := a.executors[j.Strategy]
	if !ok {
		a.recordError(j.Strategy, "executor_unavailable")
		return &Result{Success: false, Error: "executor_unavailable", ExecutionTime: time.Since(start)}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := exec.Execute(execCtx, j, target)
	if err != nil {
		a.recordError(j.Strategy, "execute_error")
		return &Result{Success: false, Error: err.Error(), ExecutionTime: time.Since(start)}
	}
	if res == nil {
		a.recordError(j.Strategy, "executor_unavailable")
		return &Result{Success: false, Error: "executor_unavailable", ExecutionTime: time.Since(start)}
	}
	if !res.Success {
		a.recordError(j.Strategy, "result_failure")
	}
	if res.ExecutionTime == 0 {
		res.ExecutionTime = time.Since(start)
	}
	return res
}

func (a *Adapter) recordError(strategy job.Strategy, errType string) {
	if a.metrics != nil {
		a.metrics.ExecutorErrors.Inc(1, string(strategy), errType)
	}
}

// stubExecutor backs every strategy this core does not yet implement.
type stubExecutor struct{}

func (stubExecutor) Execute(context.Context, *job.Job, *job.TargetConfig) (*Result, error) {
	return &Result{Success: false, Error: "executor_unavailable"}, nil
}
