// Package policy implements the Policy Enforcer from spec.md §4.4: an
// ordered gate every job passes through before it is queued — domain
// allow/deny, strategy authorization, circuit state, and rate/
// concurrency admission — with every decision written to the audit
// log.
package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/99souls/fetchguard/internal/circuit"
	"github.com/99souls/fetchguard/internal/ratelimit"
	"github.com/99souls/fetchguard/internal/registry"
	"github.com/99souls/fetchguard/internal/store"
	"github.com/99souls/fetchguard/pkg/job"
)

// Decision is the outcome of evaluating one job against every gate.
type Decision struct {
	Allowed                 bool
	Action                  job.AuditAction
	Reason                  string
	RateLimitApplied        *int
	ConcurrencyLimitApplied *int
}

// Enforcer wires the store, target registry, rate limiter, and circuit
// breaker into one ordered evaluation.
type Enforcer struct {
	store   store.Store
	reg     *registry.Registry
	limiter *ratelimit.Limiter
	breaker *circuit.Breaker
}

// New returns an Enforcer. reg may be nil, in which case registry
// lookups fall back to ratelimit.DefaultLimits/circuit.DefaultLadder.
func New(st store.Store, reg *registry.Registry, limiter *ratelimit.Limiter, breaker *circuit.Breaker) *Enforcer {
	return &Enforcer{store: st, reg: reg, limiter: limiter, breaker: breaker}
}

// Evaluate runs j through every gate in order, stopping at the first
// denial, and persists the resulting decision to the audit log.
// Callers that receive an Allowed decision must call Release once the
// job finishes executing, to free the concurrency slot Evaluate
// acquired.
func (e *Enforcer) Evaluate(ctx context.Context, j *job.Job, authMode job.AuthMode, userID, ip string) (*Decision, error) {
	decision := e.evaluate(ctx, j, authMode, ip)

	audit := &job.AuditLog{
		JobID:                   j.ID,
		Domain:                  j.Domain,
		URL:                     j.URL,
		Strategy:                j.Strategy,
		AuthorizationMode:       authMode,
		Allowed:                 decision.Allowed,
		Action:                  decision.Action,
		Reason:                  decision.Reason,
		UserID:                  userID,
		IPAddress:               ip,
		RateLimitApplied:        decision.RateLimitApplied,
		ConcurrencyLimitApplied: decision.ConcurrencyLimitApplied,
		Timestamp:               time.Now(),
	}
	if err := e.store.InsertAuditLog(ctx, audit); err != nil {
		return decision, fmt.Errorf("policy: write audit log: %w", err)
	}
	return decision, nil
}

func (e *Enforcer) evaluate(ctx context.Context, j *job.Job, authMode job.AuthMode, ip string) *Decision {
	domainPolicy := &job.DomainPolicy{Domain: j.Domain, Allowed: true}
	if fetched, err := e.store.GetDomainPolicy(ctx, j.Domain); err != nil && !errors.Is(err, store.ErrNotFound) {
		return &Decision{Allowed: false, Action: job.ActionDeny, Reason: "policy lookup failed: " + err.Error()}
	} else if err == nil {
		domainPolicy = fetched
		if domainPolicy.Denied {
			return &Decision{Allowed: false, Action: job.ActionDeny, Reason: "domain explicitly denied"}
		}
		if !domainPolicy.Allowed {
			return &Decision{Allowed: false, Action: job.ActionDeny, Reason: "domain not on allowlist"}
		}
		if len(domainPolicy.PermittedStrategies) > 0 && !contains(domainPolicy.PermittedStrategies, string(j.Strategy)) {
			return &Decision{Allowed: false, Action: job.ActionStrategyRestricted, Reason: "strategy not permitted for domain"}
		}
	}

	// spec.md §4.4 rule 2: public callers may only request the vanilla
	// strategy; internal/privileged callers may request any strategy.
	if authMode == job.AuthPublic && j.Strategy != job.StrategyVanilla {
		return &Decision{Allowed: false, Action: job.ActionStrategyRestricted, Reason: fmt.Sprintf("strategy %s requires non-public authorization", j.Strategy)}
	}

	target := e.resolveTarget(j.Domain)

	if e.breaker != nil {
		allowed, remaining, err := e.breaker.Check(ctx, j.Domain)
		if err == nil && !allowed {
			return &Decision{Allowed: false, Action: job.ActionDeny, Reason: fmt.Sprintf("circuit open, retry in %ds", remaining)}
		}
	}

	limits := ratelimit.Limits{
		DomainPerMinute: target.RateLimits.PerMinute,
		IPPerHour:       target.RateLimits.PerIPPerHour,
		Concurrent:      target.RateLimits.Concurrent,
	}
	if domainPolicy.RateLimitPerMinute != nil {
		limits.DomainPerMinute = *domainPolicy.RateLimitPerMinute
	}
	if domainPolicy.MaxConcurrentJobs != nil {
		limits.Concurrent = *domainPolicy.MaxConcurrentJobs
	}

	if e.limiter != nil {
		_, _, err := e.limiter.Acquire(ctx, j.Domain, ip, limits)
		if err != nil {
			var denied *ratelimit.ErrDenied
			if errors.As(err, &denied) {
				if denied.Reason == "concurrency_limit" {
					return &Decision{Allowed: false, Action: job.ActionConcurrencyLimit, Reason: "concurrency limit exceeded", ConcurrencyLimitApplied: &limits.Concurrent}
				}
				return &Decision{Allowed: false, Action: job.ActionRateLimit, Reason: "rate limit exceeded", RateLimitApplied: &limits.DomainPerMinute}
			}
			return &Decision{Allowed: false, Action: job.ActionDeny, Reason: "rate limiter error: " + err.Error()}
		}
	}

	return &Decision{Allowed: true, Action: job.ActionAllow, Reason: "ok", RateLimitApplied: &limits.DomainPerMinute, ConcurrencyLimitApplied: &limits.Concurrent}
}

// Release frees the concurrency slot Evaluate acquired for domain.
func (e *Enforcer) Release(ctx context.Context, domain string) error {
	if e.limiter == nil {
		return nil
	}
	return e.limiter.Release(ctx, domain)
}

func (e *Enforcer) resolveTarget(domain string) *job.TargetConfig {
	if e.reg != nil {
		return e.reg.Resolve(domain)
	}
	return &job.TargetConfig{
		Domain:     domain,
		RateLimits: job.RateLimits{PerMinute: 5, PerIPPerHour: 100, Concurrent: 20},
	}
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

