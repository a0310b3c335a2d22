package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/99souls/fetchguard/pkg/job"
)

func writeTargetFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestResolveReturnsOnDiskOverride(t *testing.T) {
	dir := t.TempDir()
	writeTargetFile(t, dir, "example.com.yaml", `
selectors:
  title: "h1"
rate_limits:
  per_minute: 10
  per_ip_per_hour: 200
  concurrent: 30
circuit_breaker_settings:
  failure_thresholds: [3, 5, 10]
  backoff_times: [3600, 21600, 86400]
heuristics:
  risk_level: medium
  requires_stealth: false
`)

	r, err := New(dir, nil)
	require.NoError(t, err)

	cfg := r.Resolve("example.com")
	require.Equal(t, "example.com", cfg.Domain)
	require.Equal(t, "h1", cfg.Selectors["title"])
	require.Equal(t, 10, cfg.RateLimits.PerMinute)
}

func TestDomainsListsEveryOnDiskOverride(t *testing.T) {
	dir := t.TempDir()
	writeTargetFile(t, dir, "example.com.yaml", `selectors:
  title: "h1"
`)
	writeTargetFile(t, dir, "other.test.yaml", `selectors:
  title: "h2"
`)

	r, err := New(dir, nil)
	require.NoError(t, err)

	require.ElementsMatch(t, []string{"example.com", "other.test"}, r.Domains())
}

func TestResolveFallsBackToHeuristicDefaultForUnknownDomain(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, nil)
	require.NoError(t, err)

	cfg := r.Resolve("unknown-shop.test")
	require.Equal(t, job.RiskMedium, cfg.Heuristics.RiskLevel)
	require.Equal(t, 5, cfg.RateLimits.PerMinute)
}

func TestResolveAppliesHighRiskHeuristicForSensitiveKeywords(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, nil)
	require.NoError(t, err)

	cfg := r.Resolve("shop-cloudflare.test")
	require.Equal(t, job.RiskHigh, cfg.Heuristics.RiskLevel)
	require.True(t, cfg.Heuristics.RequiresStealth)
	require.Equal(t, 3, cfg.RateLimits.PerMinute)
}

func TestRegistrableDomainNormalizesSubdomains(t *testing.T) {
	require.Equal(t, "example.com", RegistrableDomain("www.shop.example.com"))
	require.Equal(t, "example.co.uk", RegistrableDomain("checkout.example.co.uk"))
}

func TestWatchReloadsOnFileWrite(t *testing.T) {
	dir := t.TempDir()
	writeTargetFile(t, dir, "example.com.yaml", `
rate_limits:
  per_minute: 5
  per_ip_per_hour: 100
  concurrent: 20
`)
	r, err := New(dir, nil)
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Watch(ctx))

	writeTargetFile(t, dir, "example.com.yaml", `
rate_limits:
  per_minute: 99
  per_ip_per_hour: 100
  concurrent: 20
`)

	require.Eventually(t, func() bool {
		cfg := r.Resolve("example.com")
		return cfg.RateLimits.PerMinute == 99
	}, 2*time.Second, 10*time.Millisecond)
}
