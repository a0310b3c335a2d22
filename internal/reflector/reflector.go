// Package reflector implements the Reflector from spec.md §4.13: a
// small ordered rule engine over incidents not yet reflected that
// mutates a domain's SiteAdapter (selectors, wait strategies) and
// advances its version, the same condition-action rule shape as the
// teacher's business-policy engine, retargeted from crawl rules to
// adapter self-repair.
package reflector

import (
	"context"
	"fmt"
	"time"

	"github.com/99souls/fetchguard/internal/memrepo"
	"github.com/99souls/fetchguard/pkg/job"
)

const defaultTimeoutMs = 15000

// Reflector applies incident-driven rules to a domain's adapter.
type Reflector struct {
	repo *memrepo.Repository
}

// New returns a Reflector backed by repo.
func New(repo *memrepo.Repository) *Reflector {
	return &Reflector{repo: repo}
}

// ReflectDomain loads domain's not-yet-reflected incidents and
// adapter, applies every matching rule at most once each, and — if any
// rule fired — bumps the adapter's version, marks those incidents
// reflected, and appends an audit entry before saving.
func (r *Reflector) ReflectDomain(ctx context.Context, domain string) (*job.SiteAdapter, error) {
	incidents, err := r.repo.FetchIncidents(ctx, domain, 100)
	if err != nil {
		return nil, fmt.Errorf("reflector: fetch incidents for %s: %w", domain, err)
	}
	adapter, err := r.repo.GetAdapter(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("reflector: get adapter for %s: %w", domain, err)
	}

	pending := make([]*job.IncidentLog, 0, len(incidents))
	for _, inc := range incidents {
		if !inc.ReflectionApplied {
			pending = append(pending, inc)
		}
	}
	if len(pending) == 0 {
		return adapter, nil
	}

	applied := applyRules(adapter, pending)
	if len(applied) == 0 {
		return adapter, nil
	}

	oldVersion := adapter.Version
	adapter.Version = oldVersion + 1
	adapter.AuditTrail = append(adapter.AuditTrail, job.AdapterAuditEntry{
		Timestamp:    time.Now(),
		AppliedRules: applied,
		Version:      adapter.Version,
	})

	var ids []int64
	for _, inc := range pending {
		ids = append(ids, inc.ID)
	}
	if err := r.repo.MarkIncidentsReflected(ctx, ids, adapter.Version); err != nil {
		return nil, fmt.Errorf("reflector: mark incidents reflected for %s: %w", domain, err)
	}
	if err := r.repo.SaveAdapter(ctx, adapter); err != nil {
		return nil, fmt.Errorf("reflector: save adapter for %s: %w", domain, err)
	}
	return adapter, nil
}

// applyRules mutates adapter in place per spec.md §4.13's rule set,
// returning the names of rules that fired (at most once each, even if
// multiple incidents of the same type are present).
func applyRules(adapter *job.SiteAdapter, incidents []*job.IncidentLog) []string {
	var fired []string
	seen := map[job.ErrorType]bool{}

	for _, inc := range incidents {
		if seen[inc.ErrorType] {
			continue
		}
		switch inc.ErrorType {
		case job.ErrorSelectorMiss:
			if applySelectorMissRule(adapter) {
				fired = append(fired, "selector_miss")
				seen[inc.ErrorType] = true
			}
		case job.ErrorTimeout:
			applyTimeoutRule(adapter)
			fired = append(fired, "timeout")
			seen[inc.ErrorType] = true
		case job.ErrorBlocked:
			applyBlockedRule(adapter)
			fired = append(fired, "blocked")
			seen[inc.ErrorType] = true
		}
	}
	return fired
}

// applySelectorMissRule adds fallback selectors, setdefault semantics:
// an existing key is never overwritten (first write wins).
func applySelectorMissRule(adapter *job.SiteAdapter) bool {
	if adapter.Selectors == nil {
		adapter.Selectors = map[string]string{}
	}
	changed := false
	for k, v := range map[string]string{"fallback": "//body//*", "text": "//*[text()]"} {
		if _, exists := adapter.Selectors[k]; !exists {
			adapter.Selectors[k] = v
			changed = true
		}
	}
	return changed
}

func applyTimeoutRule(adapter *job.SiteAdapter) {
	if adapter.WaitStrategies == nil {
		adapter.WaitStrategies = map[string]any{}
	}
	adapter.WaitStrategies["network_idle"] = true
	existing := defaultTimeoutMs
	if v, ok := adapter.WaitStrategies["timeout_ms"]; ok {
		if n, ok := toInt(v); ok {
			existing = n
		}
	}
	timeout := 30000
	if existing > timeout {
		timeout = existing
	}
	adapter.WaitStrategies["timeout_ms"] = timeout
}

func applyBlockedRule(adapter *job.SiteAdapter) {
	if adapter.WaitStrategies == nil {
		adapter.WaitStrategies = map[string]any{}
	}
	adapter.WaitStrategies["stealth"] = true
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
