package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/99souls/fetchguard/pkg/job"
)

// Memory is an in-process Store used by orchestrator/state/policy unit
// tests that don't want a live Postgres instance. It preserves the same
// append-only/ownership semantics as the Postgres adapter.
type Memory struct {
	mu sync.Mutex

	jobs       map[string]*job.Job
	jobsByKey  map[string]string
	policies   map[string]*job.DomainPolicy
	adapters   map[string]*job.SiteAdapter
	incidents  []*job.IncidentLog
	incidentSeq int64
	memories   []*job.JobMemory
	memorySeq  int64
	summaries  map[string][]summaryEntry
	audits     []*job.AuditLog
	auditSeq   int64
}

type summaryEntry struct {
	at      time.Time
	summary map[string]any
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[string]*job.Job),
		jobsByKey: make(map[string]string),
		policies:  make(map[string]*job.DomainPolicy),
		adapters:  make(map[string]*job.SiteAdapter),
		summaries: make(map[string][]summaryEntry),
	}
}

func clone(j *job.Job) *job.Job {
	cp := *j
	return &cp
}

func (m *Memory) InsertJob(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = clone(j)
	if j.IdempotencyKey != "" {
		m.jobsByKey[j.IdempotencyKey] = j.ID
	}
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(j), nil
}

func (m *Memory) GetJobByIdempotencyKey(ctx context.Context, key string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.jobsByKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(m.jobs[id]), nil
}

func (m *Memory) UpdateJob(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return ErrNotFound
	}
	m.jobs[j.ID] = clone(j)
	return nil
}

func (m *Memory) IncrementAttempts(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return 0, ErrNotFound
	}
	j.Attempts++
	return j.Attempts, nil
}

func (m *Memory) GetJobsByStatus(ctx context.Context, filter JobFilter) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*job.Job
	for _, j := range m.jobs {
		if j.Status == filter.Status {
			out = append(out, clone(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) GetDomainPolicy(ctx context.Context, domain string) (*job.DomainPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[domain]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) UpsertDomainPolicy(ctx context.Context, p *job.DomainPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.policies[p.Domain] = &cp
	return nil
}

func (m *Memory) GetAdapter(ctx context.Context, domain string) (*job.SiteAdapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.adapters[domain]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) SaveAdapter(ctx context.Context, a *job.SiteAdapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.adapters[a.Domain] = &cp
	return nil
}

func (m *Memory) AppendIncidents(ctx context.Context, incidents []*job.IncidentLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inc := range incidents {
		m.incidentSeq++
		cp := *inc
		cp.ID = m.incidentSeq
		m.incidents = append(m.incidents, &cp)
	}
	return nil
}

func (m *Memory) FetchIncidents(ctx context.Context, domain string, limit int) ([]*job.IncidentLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*job.IncidentLog
	for i := len(m.incidents) - 1; i >= 0; i-- {
		inc := m.incidents[i]
		if inc.Domain != domain {
			continue
		}
		cp := *inc
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkIncidentsReflected(ctx context.Context, ids []int64, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	v := version
	for _, inc := range m.incidents {
		if want[inc.ID] {
			inc.ReflectionApplied = true
			inc.ReflectionVersion = &v
		}
	}
	return nil
}

func (m *Memory) UpsertMemory(ctx context.Context, rec *job.JobMemory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memorySeq++
	cp := *rec
	cp.ID = m.memorySeq
	m.memories = append(m.memories, &cp)
	return nil
}

func (m *Memory) GetMemory(ctx context.Context, jobID string) (*job.JobMemory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *job.JobMemory
	for _, rec := range m.memories {
		if rec.JobID != jobID {
			continue
		}
		if latest == nil || rec.ID > latest.ID {
			latest = rec
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *Memory) AddSummary(ctx context.Context, domain string, summary map[string]any, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[domain] = append(m.summaries[domain], summaryEntry{at: at, summary: summary})
	return nil
}

func (m *Memory) LatestSummary(ctx context.Context, domain string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.summaries[domain]
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	latest := entries[0]
	for _, e := range entries[1:] {
		if e.at.After(latest.at) {
			latest = e
		}
	}
	return latest.summary, nil
}

func (m *Memory) InsertAuditLog(ctx context.Context, a *job.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditSeq++
	cp := *a
	cp.ID = m.auditSeq
	m.audits = append(m.audits, &cp)
	return nil
}

// Audits returns every recorded audit log entry, for test assertions.
func (m *Memory) Audits() []*job.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*job.AuditLog, len(m.audits))
	copy(out, m.audits)
	return out
}

func (m *Memory) Health(ctx context.Context) error { return nil }
func (m *Memory) Close() error                     { return nil }
