// Package registry implements the Target Registry from spec.md §4.6: a
// hot-reloaded, per-domain configuration store read from one YAML file
// per domain. Every other component (policy, ratelimit, circuit,
// executor) resolves its per-domain knobs through this package rather
// than hardcoding defaults.
package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
	"gopkg.in/yaml.v3"

	"github.com/99souls/fetchguard/internal/telemetry/logging"
	"github.com/99souls/fetchguard/pkg/job"
)

// Registry holds the resolved TargetConfig for every domain with an
// on-disk override, plus heuristic fallbacks for domains that have
// none.
type Registry struct {
	dir     string
	log     *logging.Logger
	mu      sync.RWMutex
	configs map[string]*job.TargetConfig
	watcher *fsnotify.Watcher
}

// New loads every *.yaml file in dir as a domain's TargetConfig. The
// file's base name (minus extension) is the domain it configures,
// e.g. configs/targets/example.com.yaml configures "example.com".
func New(dir string, log *logging.Logger) (*Registry, error) {
	r := &Registry{dir: dir, log: log, configs: map[string]*job.TargetConfig{}}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("registry: read dir: %w", err)
	}

	loaded := make(map[string]*job.TargetConfig, len(entries))
	for _, e := range entries {
		if e.IsDir() || (filepath.Ext(e.Name()) != ".yaml" && filepath.Ext(e.Name()) != ".yml") {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("registry: read %s: %w", path, err)
		}
		var cfg job.TargetConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("registry: parse %s: %w", path, err)
		}
		domain := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if cfg.Domain == "" {
			cfg.Domain = domain
		}
		loaded[domain] = &cfg
	}

	r.mu.Lock()
	r.configs = loaded
	r.mu.Unlock()
	return nil
}

// Watch starts an fsnotify watch on the registry directory and reloads
// on any write/create/remove, logging (but not returning) reload
// errors so one malformed file doesn't take down hot-reload entirely.
// It returns once the watcher is established; the reload loop runs
// until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("registry: create watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("registry: watch dir %s: %w", r.dir, err)
	}
	r.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.reload(); err != nil && r.log != nil {
					r.log.ErrorCtx(ctx, "registry reload failed", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if r.log != nil {
					r.log.ErrorCtx(ctx, "registry watch error", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Close stops the background watch goroutine, if one was started.
func (r *Registry) Close() error {
	if r.watcher == nil {
		return nil
	}
	return r.watcher.Close()
}

// Domains returns every domain with an on-disk override, for callers
// that need to sweep all known domains (e.g. a periodic reflection
// pass) rather than resolve one at a time.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	domains := make([]string, 0, len(r.configs))
	for d := range r.configs {
		domains = append(domains, d)
	}
	return domains
}

// Get returns the exact on-disk TargetConfig for domain, if one exists.
func (r *Registry) Get(domain string) (*job.TargetConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[RegistrableDomain(domain)]
	return cfg, ok
}

// Resolve returns domain's TargetConfig, falling back to a heuristic
// default when no on-disk override exists, per spec.md §4.6.
func (r *Registry) Resolve(domain string) *job.TargetConfig {
	d := RegistrableDomain(domain)
	if cfg, ok := r.Get(d); ok {
		return cfg
	}
	return heuristicDefault(d)
}

// highRiskKeywords are substrings that, if present in a domain with no
// explicit registry entry, trigger the high-risk heuristic defaults
// (tighter rate limits, RequiresStealth set) per spec.md §4.6: the
// presence of a known bot-mitigation vendor token in the hostname.
var highRiskKeywords = []string{"cloudflare", "datadome", "akamai", "incapsula", "f5"}

func heuristicDefault(domain string) *job.TargetConfig {
	risk := job.RiskMedium
	stealth := false
	lower := strings.ToLower(domain)
	for _, kw := range highRiskKeywords {
		if strings.Contains(lower, kw) {
			risk = job.RiskHigh
			stealth = true
			break
		}
	}

	cfg := &job.TargetConfig{
		Domain:         domain,
		Selectors:      map[string]string{},
		WaitStrategies: map[string]any{},
		Heuristics:     job.Heuristics{RiskLevel: risk, RequiresStealth: stealth},
	}
	if risk == job.RiskHigh {
		cfg.RateLimits = job.RateLimits{PerMinute: 3, PerIPPerHour: 50, Concurrent: 10}
		cfg.CircuitBreakerSettings = job.CircuitBreakerSettings{
			FailureThresholds: []int{3, 5, 10},
			BackoffTimes:      []int{3600, 21600, 86400},
		}
	} else {
		cfg.RateLimits = job.RateLimits{PerMinute: 5, PerIPPerHour: 100, Concurrent: 20}
		cfg.CircuitBreakerSettings = job.CircuitBreakerSettings{
			FailureThresholds: []int{3, 5, 10},
			BackoffTimes:      []int{3600, 21600, 86400},
		}
	}
	return cfg
}

// RegistrableDomain normalizes host to its eTLD+1 form (e.g.
// "www.shop.example.co.uk" -> "example.co.uk") so registry lookups are
// stable regardless of subdomain, matching spec.md §3's domain-scoped
// policy/limit/breaker model.
func RegistrableDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return host
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return etld1
}
