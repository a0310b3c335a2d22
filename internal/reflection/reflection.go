// Package reflection implements the Reflection Publisher from
// spec.md §4.14: a pure-function analyzer over each execution result
// that derives timing, error, success, evasion, and domain-pattern
// signals and persists them through internal/memrepo, never blocking
// the worker path that calls it.
package reflection

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/99souls/fetchguard/internal/executor"
	"github.com/99souls/fetchguard/internal/kv"
	"github.com/99souls/fetchguard/internal/memrepo"
	"github.com/99souls/fetchguard/internal/telemetry/metrics"
	"github.com/99souls/fetchguard/pkg/job"
)

const (
	timingHistoryLen = 100
	timingHistoryTTL = 24 * time.Hour
	errorCounterTTL  = time.Hour
	successStreakTTL = time.Hour
	evasionTTL       = 24 * time.Hour
	domainPatternTTL = 24 * time.Hour

	errorFrequencyThreshold = 3
	streakReduceEvasion     = 10
	evasionMinSamples       = 5
	evasionHighSuccess      = 0.8
	evasionLowSuccess       = 0.3
	domainPatternHourShare  = 0.3
)

// Publisher satisfies internal/orchestrator's ReflectionPublisher
// interface.
type Publisher struct {
	kv      *kv.Client
	repo    *memrepo.Repository
	metrics *metrics.App
}

// New returns a Publisher backed by client for counters/history and
// repo for incidents.
func New(client *kv.Client, repo *memrepo.Repository) *Publisher {
	return &Publisher{kv: client, repo: repo}
}

// SetMetrics attaches the counter each emitted signal is recorded
// against. Optional — a nil or never-set app simply means no metrics
// recorded.
func (p *Publisher) SetMetrics(app *metrics.App) { p.metrics = app }

func (p *Publisher) recordSignal(domain, signal string) {
	if p.metrics != nil {
		p.metrics.ReflectionsPublished.Inc(1, domain, signal)
	}
}

// Publish derives every applicable signal for j's execution result.
// It never returns an error to the caller — every failure is reduced
// to a best-effort no-op, since this path must never block or fail
// the worker loop that calls it.
func (p *Publisher) Publish(ctx context.Context, j *job.Job, result *executor.Result) {
	p.timingAnalysis(ctx, j, result)
	p.errorAnalysis(ctx, j, result)
	p.successAnalysis(ctx, j, result)
	p.evasionAnalysis(ctx, j, result)
	p.domainPatternAnalysis(ctx, j, result)
}

type timingEntry struct {
	Millis         int64     `json:"millis"`
	Classification string    `json:"classification"`
	At             time.Time `json:"at"`
}

// timingAnalysis classifies result's execution time against the
// running moving average of the domain's history, then appends it
// (classification included) to that capped history.
func (p *Publisher) timingAnalysis(ctx context.Context, j *job.Job, result *executor.Result) {
	key := "timing:" + j.Domain
	history, err := p.kv.LRange(ctx, key, 0, timingHistoryLen-1)
	if err != nil {
		return
	}
	millis := result.ExecutionTime.Milliseconds()

	class := "normal"
	if avg := movingAverageMillis(history); avg > 0 {
		class = classifyDeviation(float64(millis-avg) / float64(avg))
	}

	encoded, err := json.Marshal(timingEntry{Millis: millis, Classification: class, At: time.Now()})
	if err != nil {
		return
	}
	_ = p.kv.LPushTrim(ctx, key, string(encoded), timingHistoryLen, timingHistoryTTL)
	p.recordSignal(j.Domain, "timing")
}

func movingAverageMillis(history []string) int64 {
	var sum, n int64
	for _, raw := range history {
		var e timingEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		sum += e.Millis
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / n
}

// classifyDeviation buckets a relative deviation from the moving
// average per spec.md §4.14's thresholds.
func classifyDeviation(deviation float64) string {
	switch {
	case deviation > 0.5:
		return "very_slow"
	case deviation > 0.2:
		return "slow"
	case deviation < -0.5:
		return "very_fast"
	case deviation < -0.2:
		return "fast"
	default:
		return "normal"
	}
}

// errorAnalysis classifies a failed result's error message, bumps its
// per-domain-and-type frequency counter, and raises an incident once
// that counter reaches the attention threshold.
func (p *Publisher) errorAnalysis(ctx context.Context, j *job.Job, result *executor.Result) {
	if result.Success {
		return
	}
	errType := classifyError(result.Error)
	key := fmt.Sprintf("error:%s:%s", j.Domain, errType)
	n, err := p.kv.IncrWithTTL(ctx, key, errorCounterTTL)
	if err != nil {
		return
	}
	if n < errorFrequencyThreshold || p.repo == nil {
		return
	}
	_ = p.repo.AppendIncidents(ctx, []*job.IncidentLog{{
		JobID: j.ID, Domain: j.Domain, ErrorType: errType, Message: result.Error,
		Severity: job.SeverityMedium, Context: map[string]any{"requires_attention": true, "frequency": n},
		CreatedAt: time.Now(),
	}})
	p.recordSignal(j.Domain, "error")
}

// classifyError maps a free-text error message to an ErrorType by
// ordered substring match — order matters since e.g. "forbidden" and
// "blocked" can both appear in the same message.
func classifyError(msg string) job.ErrorType {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "timeout"):
		return job.ErrorTimeout
	case strings.Contains(lower, "network"), strings.Contains(lower, "connection"):
		return job.ErrorNetwork
	case strings.Contains(lower, "not found"), strings.Contains(lower, "404"):
		return job.ErrorNotFound
	case strings.Contains(lower, "forbidden"), strings.Contains(lower, "403"):
		return job.ErrorForbidden
	case strings.Contains(lower, "captcha"):
		return job.ErrorCaptcha
	case strings.Contains(lower, "blocked"):
		return job.ErrorBlocked
	case strings.Contains(lower, "invalid"):
		return job.ErrorInvalid
	case strings.Contains(lower, "javascript"):
		return job.ErrorJavascript
	case strings.Contains(lower, "selector"):
		return job.ErrorSelectorNotFound
	default:
		return job.ErrorGeneric
	}
}

// successAnalysis maintains a rolling consecutive-success streak per
// domain, resetting to zero on any failure.
func (p *Publisher) successAnalysis(ctx context.Context, j *job.Job, result *executor.Result) {
	key := "success_streak:" + j.Domain
	if !result.Success {
		_ = p.kv.SetEx(ctx, key, "0", successStreakTTL)
		return
	}
	streak := readInt(ctx, p.kv, key) + 1
	_ = p.kv.SetEx(ctx, key, strconv.Itoa(streak), successStreakTTL)
	if streak < streakReduceEvasion || p.repo == nil {
		return
	}
	_ = p.repo.AddSummary(ctx, j.Domain, map[string]any{
		"recommendation": "reduce_evasion", "success_streak": streak,
	}, time.Now())
	p.recordSignal(j.Domain, "success")
}

// evasionAnalysis tracks per (domain, evasion level) success/failure
// counts, surfacing a recommendation once enough samples exist.
func (p *Publisher) evasionAnalysis(ctx context.Context, j *job.Job, result *executor.Result) {
	base := fmt.Sprintf("evasion:%s:%s", j.Domain, j.Strategy)
	var counterKey string
	if result.Success {
		counterKey = base + ":success"
	} else {
		counterKey = base + ":failure"
	}
	if _, err := p.kv.IncrWithTTL(ctx, counterKey, evasionTTL); err != nil {
		return
	}

	successes := readInt(ctx, p.kv, base+":success")
	failures := readInt(ctx, p.kv, base+":failure")
	total := successes + failures
	if total < evasionMinSamples {
		return
	}
	rate := float64(successes) / float64(total)
	var recommendation string
	switch {
	case rate > evasionHighSuccess:
		recommendation = "reduce_evasion"
	case rate < evasionLowSuccess:
		recommendation = "increase_evasion"
	default:
		return
	}
	if p.repo == nil {
		return
	}
	_ = p.repo.AddSummary(ctx, j.Domain, map[string]any{
		"recommendation": recommendation, "evasion_level": string(j.Strategy),
		"success_rate": rate, "samples": total,
	}, time.Now())
	p.recordSignal(j.Domain, "evasion")
}

// domainPatternAnalysis buckets executions per hour-of-day and warns
// (via an incident) when a single hour dominates the domain's traffic.
func (p *Publisher) domainPatternAnalysis(ctx context.Context, j *job.Job, result *executor.Result) {
	hour := time.Now().UTC().Hour()
	hourKey := fmt.Sprintf("pattern:%s:hour:%d", j.Domain, hour)
	totalKey := "pattern:" + j.Domain + ":total"

	hourCount, err := p.kv.IncrWithTTL(ctx, hourKey, domainPatternTTL)
	if err != nil {
		return
	}
	totalCount, err := p.kv.IncrWithTTL(ctx, totalKey, domainPatternTTL)
	if err != nil {
		return
	}
	if float64(hourCount)/float64(totalCount) <= domainPatternHourShare {
		return
	}
	if p.repo == nil {
		return
	}
	_ = p.repo.AppendIncidents(ctx, []*job.IncidentLog{{
		JobID: j.ID, Domain: j.Domain, ErrorType: job.ErrorGeneric,
		Message:  fmt.Sprintf("hour %d accounts for %d of %d executions", hour, hourCount, totalCount),
		Severity: job.SeverityLow, Context: map[string]any{"pattern": "hour_concentration", "hour": hour},
		CreatedAt: time.Now(),
	}})
	p.recordSignal(j.Domain, "domain_pattern")
}

func readInt(ctx context.Context, client *kv.Client, key string) int {
	v, ok, err := client.Get(ctx, key)
	if err != nil || !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
