// Package memrepo implements the Memory Repository from spec.md §4.12:
// the append-only execution-history store (newest id wins on read),
// the per-domain SiteAdapter store, the incident log, and domain
// summaries — composing internal/store for persistence and
// internal/memcache for the job-memory read path.
package memrepo

import (
	"context"
	"fmt"
	"time"

	"github.com/99souls/fetchguard/internal/memcache"
	"github.com/99souls/fetchguard/internal/store"
	"github.com/99souls/fetchguard/pkg/job"
)

// Repository composes a relational Store with a read-through Cache.
type Repository struct {
	store store.Store
	cache *memcache.Cache
}

// New returns a Repository backed by st for persistence and cache for
// the job-memory read path.
func New(st store.Store, cache *memcache.Cache) *Repository {
	return &Repository{store: st, cache: cache}
}

// RecordExecution appends a new JobMemory row for jobID — the
// orchestrator's one write path into execution history, satisfying
// internal/orchestrator's MemoryWriter interface.
func (r *Repository) RecordExecution(ctx context.Context, jobID string, content, artifacts map[string]any, adapterVersion *int) error {
	var paths []string
	if raw, ok := artifacts["artifact_paths"].([]string); ok {
		paths = raw
	}
	m := &job.JobMemory{
		JobID: jobID, Content: content, ArtifactPaths: paths,
		AdapterVersion: adapterVersion, CreatedAt: time.Now(),
	}
	if err := r.UpsertMemory(ctx, m); err != nil {
		return fmt.Errorf("memrepo: record execution for %s: %w", jobID, err)
	}
	return nil
}

// UpsertMemory always appends a new row; GetMemory returns the highest
// id for a job_id, so the latest write wins on read.
func (r *Repository) UpsertMemory(ctx context.Context, m *job.JobMemory) error {
	if err := r.store.UpsertMemory(ctx, m); err != nil {
		return fmt.Errorf("memrepo: upsert memory: %w", err)
	}
	if r.cache != nil {
		if err := r.cache.Invalidate(ctx, m.JobID); err != nil {
			return fmt.Errorf("memrepo: invalidate cache for %s: %w", m.JobID, err)
		}
	}
	return nil
}

// GetMemory reads through the single-flight cache, falling back to
// the store's highest-id row on a miss.
func (r *Repository) GetMemory(ctx context.Context, jobID string) (map[string]any, error) {
	if r.cache == nil {
		m, err := r.store.GetMemory(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("memrepo: get memory for %s: %w", jobID, err)
		}
		return m.Content, nil
	}
	payload, err := r.cache.GetOrLoad(ctx, jobID, func(ctx context.Context, jobID string) (map[string]any, error) {
		m, err := r.store.GetMemory(ctx, jobID)
		if err != nil {
			if err == store.ErrNotFound {
				return nil, nil
			}
			return nil, err
		}
		return m.Content, nil
	})
	if err != nil {
		return nil, fmt.Errorf("memrepo: get memory for %s: %w", jobID, err)
	}
	return payload, nil
}

// GetAdapter returns domain's SiteAdapter, creating the zero-value
// default in memory (not persisted) if none exists yet.
func (r *Repository) GetAdapter(ctx context.Context, domain string) (*job.SiteAdapter, error) {
	a, err := r.store.GetAdapter(ctx, domain)
	if err == store.ErrNotFound {
		return job.NewSiteAdapter(domain), nil
	}
	if err != nil {
		return nil, fmt.Errorf("memrepo: get adapter for %s: %w", domain, err)
	}
	return a, nil
}

// SaveAdapter inserts or updates domain's adapter row.
func (r *Repository) SaveAdapter(ctx context.Context, a *job.SiteAdapter) error {
	if err := r.store.SaveAdapter(ctx, a); err != nil {
		return fmt.Errorf("memrepo: save adapter for %s: %w", a.Domain, err)
	}
	return nil
}

// AppendIncidents bulk-inserts incident records.
func (r *Repository) AppendIncidents(ctx context.Context, incidents []*job.IncidentLog) error {
	if len(incidents) == 0 {
		return nil
	}
	if err := r.store.AppendIncidents(ctx, incidents); err != nil {
		return fmt.Errorf("memrepo: append incidents: %w", err)
	}
	return nil
}

// FetchIncidents returns domain's incidents ordered newest first,
// bounded by limit.
func (r *Repository) FetchIncidents(ctx context.Context, domain string, limit int) ([]*job.IncidentLog, error) {
	incidents, err := r.store.FetchIncidents(ctx, domain, limit)
	if err != nil {
		return nil, fmt.Errorf("memrepo: fetch incidents for %s: %w", domain, err)
	}
	return incidents, nil
}

// MarkIncidentsReflected tags ids as consumed by reflection version.
func (r *Repository) MarkIncidentsReflected(ctx context.Context, ids []int64, version int) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.store.MarkIncidentsReflected(ctx, ids, version); err != nil {
		return fmt.Errorf("memrepo: mark incidents reflected: %w", err)
	}
	return nil
}

// AddSummary appends a domain summary snapshot.
func (r *Repository) AddSummary(ctx context.Context, domain string, summary map[string]any, at time.Time) error {
	if err := r.store.AddSummary(ctx, domain, summary, at); err != nil {
		return fmt.Errorf("memrepo: add summary for %s: %w", domain, err)
	}
	return nil
}

// LatestSummary returns domain's most recent summary.
func (r *Repository) LatestSummary(ctx context.Context, domain string) (map[string]any, error) {
	summary, err := r.store.LatestSummary(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("memrepo: latest summary for %s: %w", domain, err)
	}
	return summary, nil
}
