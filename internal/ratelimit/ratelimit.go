// Package ratelimit enforces the three-window safety rail from spec.md
// §4.2: a per-domain requests-per-minute window, a per-IP
// requests-per-hour window, and a per-domain concurrency slot count.
// All three are checked and, on admission, updated in a single Redis
// Lua script so a burst of concurrent callers can never overshoot any
// window — the same atomicity guarantee the teacher's sharded
// AdaptiveRateLimiter gets from an in-process mutex, moved into Redis
// so every orchestrator replica shares one set of limits.
package ratelimit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/99souls/fetchguard/internal/kv"
	"github.com/99souls/fetchguard/internal/telemetry/metrics"
)

// Clock is preserved from the teacher's AdaptiveRateLimiter so tests can
// freeze time without a live Redis TIME dependency.
type Clock interface{ Now() time.Time }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Limits is the resolved per-domain window configuration; callers
// (internal/policy, via internal/registry) supply this per request
// rather than the limiter owning global defaults, since limits are
// risk-level dependent per spec.md §4.5.
type Limits struct {
	DomainPerMinute int
	IPPerHour       int
	Concurrent      int
}

// DefaultLimits are spec.md §4.2's medium-risk defaults.
func DefaultLimits() Limits {
	return Limits{DomainPerMinute: 5, IPPerHour: 100, Concurrent: 20}
}

// HighRiskLimits are spec.md §4.2's high-risk defaults.
func HighRiskLimits() Limits {
	return Limits{DomainPerMinute: 3, IPPerHour: 50, Concurrent: 10}
}

const (
	domainWindow         = 60 * time.Second
	ipWindow             = 3600 * time.Second
	concurrencySafetyTTL = 300 * time.Second
)

// ErrDenied classifies admission failures; callers inspect Reason to
// tell a rate-limit denial from a concurrency denial.
type ErrDenied struct {
	Reason     string // "rate_limit" or "concurrency_limit"
	RetryAfter time.Duration
}

func (e *ErrDenied) Error() string {
	return fmt.Sprintf("ratelimit: denied (%s), retry after %s", e.Reason, e.RetryAfter)
}

// Limiter is the Redis-backed sliding-window rate limiter.
type Limiter struct {
	kv      *kv.Client
	clock   Clock
	metrics *metrics.App
}

// New returns a Limiter backed by client.
func New(client *kv.Client) *Limiter {
	return &Limiter{kv: client, clock: realClock{}}
}

// SetMetrics attaches the counter rate-limit denials are recorded
// against. Optional — a nil or never-set app simply means no metrics
// recorded.
func (l *Limiter) SetMetrics(app *metrics.App) { l.metrics = app }

// WithClock overrides the clock, for deterministic tests.
func (l *Limiter) WithClock(c Clock) *Limiter {
	if c != nil {
		l.clock = c
	}
	return l
}

const acquireScript = `
local domain_key = KEYS[1]
local ip_key = KEYS[2]
local conc_key = KEYS[3]
local now = tonumber(ARGV[1])
local domain_limit = tonumber(ARGV[2])
local domain_window = tonumber(ARGV[3])
local ip_limit = tonumber(ARGV[4])
local ip_window = tonumber(ARGV[5])
local conc_limit = tonumber(ARGV[6])
local conc_ttl = tonumber(ARGV[7])
local member = ARGV[8]

redis.call('ZREMRANGEBYSCORE', domain_key, '-inf', now - domain_window)
local domain_count = redis.call('ZCARD', domain_key)
if domain_count >= domain_limit then
  local oldest = redis.call('ZRANGE', domain_key, 0, 0, 'WITHSCORES')
  local reset = domain_window
  if oldest[2] then reset = (tonumber(oldest[2]) + domain_window) - now end
  return {0, 'rate_limit', reset, 0}
end

redis.call('ZREMRANGEBYSCORE', ip_key, '-inf', now - ip_window)
local ip_count = redis.call('ZCARD', ip_key)
if ip_count >= ip_limit then
  local oldest = redis.call('ZRANGE', ip_key, 0, 0, 'WITHSCORES')
  local reset = ip_window
  if oldest[2] then reset = (tonumber(oldest[2]) + ip_window) - now end
  return {0, 'rate_limit', reset, 0}
end

local conc = tonumber(redis.call('GET', conc_key) or '0')
if conc >= conc_limit then
  return {0, 'concurrency_limit', conc_ttl, 0}
end

redis.call('ZADD', domain_key, now, member)
redis.call('ZADD', ip_key, now, member)
redis.call('INCR', conc_key)
redis.call('EXPIRE', conc_key, conc_ttl)

local remaining = domain_limit - domain_count - 1
local ip_remaining = ip_limit - ip_count - 1
if ip_remaining < remaining then remaining = ip_remaining end
local conc_remaining = conc_limit - conc - 1
if conc_remaining < remaining then remaining = conc_remaining end

return {1, 'allowed', 0, remaining}
`

// Acquire checks and, on admission, atomically records one request
// against domain's per-minute window, ip's per-hour window, and
// domain's concurrency slot count. Returns the headroom remaining
// (minimum across the three windows); resetAfter is zero on admission
// and, on a denial, the time until the denying window frees a slot.
// Release must be called once execution finishes to free the
// concurrency slot.
func (l *Limiter) Acquire(ctx context.Context, domain, ip string, limits Limits) (remaining int, resetAfter time.Duration, err error) {
	member, err := randomMember()
	if err != nil {
		return 0, 0, fmt.Errorf("ratelimit: generate member: %w", err)
	}
	now := float64(l.clock.Now().UnixNano()) / 1e9
	res, err := l.kv.Eval(ctx, acquireScript,
		[]string{domainKey(domain), ipKey(ip), concurrencyKey(domain)},
		now,
		limits.DomainPerMinute, domainWindow.Seconds(),
		limits.IPPerHour, ipWindow.Seconds(),
		limits.Concurrent, concurrencySafetyTTL.Seconds(),
		member,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("ratelimit: acquire script: %w", err)
	}
	fields, ok := res.([]any)
	if !ok || len(fields) != 4 {
		return 0, 0, errors.New("ratelimit: unexpected script response shape")
	}
	allowed, _ := fields[0].(int64)
	reason, _ := fields[1].(string)
	resetSeconds, _ := fields[2].(int64)
	remainingCount, _ := fields[3].(int64)

	if allowed == 0 {
		if l.metrics != nil {
			l.metrics.RateLimitRejections.Inc(1, domain, reason)
		}
		return 0, time.Duration(resetSeconds) * time.Second, &ErrDenied{Reason: reason, RetryAfter: time.Duration(resetSeconds) * time.Second}
	}
	return int(remainingCount), 0, nil
}

// Release decrements domain's concurrency slot count, floored at zero.
func (l *Limiter) Release(ctx context.Context, domain string) error {
	_, err := l.kv.Eval(ctx, `
		local v = tonumber(redis.call('GET', KEYS[1]) or '0')
		if v > 0 then redis.call('DECR', KEYS[1]) end
		return 1
	`, []string{concurrencyKey(domain)})
	if err != nil {
		return fmt.Errorf("ratelimit: release: %w", err)
	}
	return nil
}

func domainKey(domain string) string      { return "rl:domain:" + domain }
func ipKey(ip string) string              { return "rl:ip:" + ip }
func concurrencyKey(domain string) string { return "rl:conc:" + domain }

func randomMember() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
