// Package state implements the State Manager from spec.md §4.8: the
// sole mutator of Job rows, with a read-through cache invalidated on
// every mutation so readers never observe a stale post-write value.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/99souls/fetchguard/internal/kv"
	"github.com/99souls/fetchguard/internal/store"
	"github.com/99souls/fetchguard/pkg/job"
)

const cacheTTL = 300 * time.Second

// Manager is the sole mutator of Job rows.
type Manager struct {
	store store.Store
	kv    *kv.Client
}

// New returns a Manager composing st for persistence and client for the
// read-through cache.
func New(st store.Store, client *kv.Client) *Manager {
	return &Manager{store: st, kv: client}
}

// UpdateStatus transitions id to status, stamping started_at/
// completed_at as appropriate and invalidating the cached row on any
// mutation — the cache is never repopulated with pre-write state.
func (m *Manager) UpdateStatus(ctx context.Context, id string, status job.Status, result map[string]any, artifacts map[string]any, jobErr string) error {
	j, err := m.store.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("state: load job %s: %w", id, err)
	}

	j.Status = status
	now := time.Now()
	switch {
	case status == job.StatusRunning:
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
	case status.Terminal():
		j.CompletedAt = &now
		if result != nil {
			j.Result = result
		}
		if artifacts != nil {
			j.Artifacts = artifacts
		}
		if jobErr != "" {
			j.Error = jobErr
		}
	}

	if err := m.store.UpdateJob(ctx, j); err != nil {
		return fmt.Errorf("state: update job %s: %w", id, err)
	}
	if err := m.kv.Delete(ctx, cacheKey(id)); err != nil {
		return fmt.Errorf("state: invalidate cache for %s: %w", id, err)
	}
	if !status.Terminal() {
		if err := m.cache(ctx, j); err != nil {
			return fmt.Errorf("state: cache job %s: %w", id, err)
		}
	}
	return nil
}

// IncrementAttempts increments id's attempt counter via the store's
// atomic RETURNING-based increment and invalidates the cache.
func (m *Manager) IncrementAttempts(ctx context.Context, id string) (int, error) {
	n, err := m.store.IncrementAttempts(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("state: increment attempts for %s: %w", id, err)
	}
	if err := m.kv.Delete(ctx, cacheKey(id)); err != nil {
		return n, fmt.Errorf("state: invalidate cache for %s: %w", id, err)
	}
	return n, nil
}

// GetJobsByStatus supports supervision / reconciliation sweeps.
func (m *Manager) GetJobsByStatus(ctx context.Context, filter store.JobFilter) ([]*job.Job, error) {
	jobs, err := m.store.GetJobsByStatus(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("state: get jobs by status: %w", err)
	}
	return jobs, nil
}

// GetJobState reads the cache first, falling back to the store on a
// miss and repopulating the cache (unless the row is terminal, which
// is never cached).
func (m *Manager) GetJobState(ctx context.Context, id string) (*job.Job, error) {
	if raw, ok, err := m.kv.Get(ctx, cacheKey(id)); err != nil {
		return nil, fmt.Errorf("state: read cache for %s: %w", id, err)
	} else if ok {
		var j job.Job
		if err := json.Unmarshal([]byte(raw), &j); err == nil {
			return &j, nil
		}
	}

	j, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("state: load job %s: %w", id, err)
	}
	if !j.Status.Terminal() {
		if err := m.cache(ctx, j); err != nil {
			return j, fmt.Errorf("state: cache job %s: %w", id, err)
		}
	}
	return j, nil
}

func (m *Manager) cache(ctx context.Context, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return m.kv.SetEx(ctx, cacheKey(j.ID), string(data), cacheTTL)
}

func cacheKey(id string) string { return "job:state:" + id }
