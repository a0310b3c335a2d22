// Package circuit implements the per-domain circuit breaker from
// spec.md §4.3: a graduated failure ladder (3, 5, 10 failures opening
// backoffs of 3600s, 21600s, 86400s), persisted in Redis so every
// orchestrator replica observes the same breaker state. The
// read-modify-write on every call is a single Lua script, giving the
// same effect as a compare-and-swap retry loop without the retry.
package circuit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/99souls/fetchguard/internal/kv"
	"github.com/99souls/fetchguard/internal/telemetry/metrics"
	"github.com/99souls/fetchguard/pkg/job"
)

// Ladder is the failure-threshold / backoff-duration pairing for a
// domain, resolved from the Target Registry (falls back to Defaults).
type Ladder struct {
	FailureThresholds []int
	BackoffSeconds    []int
}

// DefaultLadder is spec.md §4.3's ladder.
func DefaultLadder() Ladder {
	return Ladder{FailureThresholds: []int{3, 5, 10}, BackoffSeconds: []int{3600, 21600, 86400}}
}

// LadderFromSettings adapts a Target Registry override onto the ladder
// shape this package uses internally.
func LadderFromSettings(s job.CircuitBreakerSettings) Ladder {
	if len(s.FailureThresholds) == 0 || len(s.BackoffTimes) == 0 {
		return DefaultLadder()
	}
	return Ladder{FailureThresholds: s.FailureThresholds, BackoffSeconds: s.BackoffTimes}
}

// Breaker is the Redis-backed circuit breaker.
type Breaker struct {
	kv      *kv.Client
	metrics *metrics.App
}

// New returns a Breaker backed by client.
func New(client *kv.Client) *Breaker { return &Breaker{kv: client} }

// SetMetrics attaches the gauge circuit_state is reported against.
// Optional — a nil or never-set app simply means no metrics recorded.
func (b *Breaker) SetMetrics(app *metrics.App) { b.metrics = app }

func stateKey(domain string) string { return "circuit:" + domain }

// checkScript loads the persisted state (if any), evaluates whether the
// backoff window has elapsed, and — if so — resets the circuit to
// closed before returning, matching spec.md §4.3's "effectively
// half-open" behavior: the caller that observes the reset gets an
// immediate allow, and the next failure restarts the ladder from zero.
const checkScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local raw = redis.call('GET', key)
if not raw then
  return {1, -1}
end
local state = cjson.decode(raw)
if state.status ~= 'open' then
  return {1, -1}
end
local remaining = (state.opened_at + state.backoff_time) - now
if remaining <= 0 then
  redis.call('DEL', key)
  return {1, -1}
end
return {0, math.ceil(remaining)}
`

// Check reports whether domain currently accepts requests. When denied,
// secondsRemaining is the backoff time left.
func (b *Breaker) Check(ctx context.Context, domain string) (allowed bool, secondsRemaining int, err error) {
	now := float64(time.Now().Unix())
	res, err := b.kv.Eval(ctx, checkScript, []string{stateKey(domain)}, now)
	if err != nil {
		return false, 0, fmt.Errorf("circuit: check: %w", err)
	}
	fields, ok := res.([]any)
	if !ok || len(fields) != 2 {
		return false, 0, fmt.Errorf("circuit: unexpected script response shape")
	}
	allowedInt, _ := fields[0].(int64)
	remaining, _ := fields[1].(int64)
	if allowedInt == 1 {
		return true, 0, nil
	}
	return false, int(remaining), nil
}

// recordFailureScript increments the failure counter (including while
// the circuit is already open); when the count reaches a ladder
// threshold, it opens the circuit for that threshold's backoff, so a
// failure that lands on a later rung restarts the backoff with that
// rung's longer duration. The TTL on the state key is 2x the longest backoff in the
// ladder, bounding KV growth per spec.md §4.3.
const recordFailureScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local thresholds = cjson.decode(ARGV[2])
local backoffs = cjson.decode(ARGV[3])
local ttl = tonumber(ARGV[4])

local raw = redis.call('GET', key)
local state
if raw then
  state = cjson.decode(raw)
else
  state = {status = 'closed', failures = 0}
end

state.failures = state.failures + 1
state.last_failure = now

for i = 1, #thresholds do
  if state.failures == thresholds[i] then
    state.status = 'open'
    state.opened_at = now
    state.backoff_time = backoffs[i]
    break
  end
end

redis.call('SET', key, cjson.encode(state), 'EX', ttl)
return 1
`

// RecordFailure increments domain's failure count and opens the circuit
// once it reaches the next ladder threshold.
func (b *Breaker) RecordFailure(ctx context.Context, domain string, ladder Ladder) error {
	thresholds, err := json.Marshal(ladder.FailureThresholds)
	if err != nil {
		return err
	}
	backoffs, err := json.Marshal(ladder.BackoffSeconds)
	if err != nil {
		return err
	}
	ttl := maxInt(ladder.BackoffSeconds) * 2
	_, err = b.kv.Eval(ctx, recordFailureScript, []string{stateKey(domain)},
		float64(time.Now().Unix()), string(thresholds), string(backoffs), ttl)
	if err != nil {
		return fmt.Errorf("circuit: record failure: %w", err)
	}
	if b.metrics != nil {
		if state, stateErr := b.State(ctx, domain); stateErr == nil && state.Status == job.CircuitOpen {
			b.metrics.CircuitState.Set(1, domain)
		}
	}
	return nil
}

// RecordSuccess clears domain's breaker state unconditionally.
func (b *Breaker) RecordSuccess(ctx context.Context, domain string) error {
	if err := b.kv.Delete(ctx, stateKey(domain)); err != nil {
		return fmt.Errorf("circuit: record success: %w", err)
	}
	if b.metrics != nil {
		b.metrics.CircuitState.Set(0, domain)
	}
	return nil
}

// State returns the persisted CircuitState for domain, for inspection
// (e.g. RecordFailure reads it to set the circuit_state metric).
// Returns the zero-value closed state if nothing is persisted yet.
func (b *Breaker) State(ctx context.Context, domain string) (job.CircuitState, error) {
	raw, ok, err := b.kv.Get(ctx, stateKey(domain))
	if err != nil {
		return job.CircuitState{}, fmt.Errorf("circuit: get state: %w", err)
	}
	if !ok {
		return job.CircuitState{Status: job.CircuitClosed}, nil
	}
	var wire wireState
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return job.CircuitState{}, fmt.Errorf("circuit: decode state: %w", err)
	}
	return wire.toDomain(), nil
}

// wireState is the JSON shape stored in Redis; Lua's cjson encodes Unix
// timestamps as numbers, so this mirrors job.CircuitState with numeric
// time fields instead of time.Time.
type wireState struct {
	Status      string  `json:"status"`
	Failures    int     `json:"failures"`
	LastFailure float64 `json:"last_failure"`
	OpenedAt    float64 `json:"opened_at"`
	BackoffTime int     `json:"backoff_time"`
}

func (w wireState) toDomain() job.CircuitState {
	status := job.CircuitClosed
	if w.Status == string(job.CircuitOpen) {
		status = job.CircuitOpen
	}
	s := job.CircuitState{Status: status, Failures: w.Failures, BackoffTime: w.BackoffTime}
	if w.LastFailure > 0 {
		s.LastFailure = time.Unix(int64(w.LastFailure), 0)
	}
	if w.OpenedAt > 0 {
		s.OpenedAt = time.Unix(int64(w.OpenedAt), 0)
	}
	return s
}

func maxInt(vals []int) int {
	m := 0
	for _, v := range vals {
		if v > m {
			m = v
		}
	}
	return m
}
