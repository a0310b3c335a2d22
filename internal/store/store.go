// Package store defines the relational persistence boundary: job rows,
// domain policies, site adapters, incidents, summaries, and audit log
// entries. Store is implemented by a Postgres-backed adapter for
// production and an in-memory adapter for tests, following the
// teacher's interface-plus-default-adapter shape for components with
// exactly one production backend.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/99souls/fetchguard/pkg/job"
)

// ErrNotFound is returned when a lookup by id/domain/key finds nothing.
var ErrNotFound = errors.New("store: not found")

// JobFilter narrows GetJobsByStatus queries.
type JobFilter struct {
	Status job.Status
	Limit  int
}

// Store is the relational persistence surface. Every method is safe
// for concurrent use; callers needing multi-step transactional
// invariants use the State Manager (internal/state), which composes
// Store with an internal/kv cache rather than exposing transactions
// directly to callers.
type Store interface {
	InsertJob(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id string) (*job.Job, error)
	GetJobByIdempotencyKey(ctx context.Context, key string) (*job.Job, error)
	UpdateJob(ctx context.Context, j *job.Job) error
	IncrementAttempts(ctx context.Context, id string) (int, error)
	GetJobsByStatus(ctx context.Context, filter JobFilter) ([]*job.Job, error)

	GetDomainPolicy(ctx context.Context, domain string) (*job.DomainPolicy, error)
	UpsertDomainPolicy(ctx context.Context, p *job.DomainPolicy) error

	GetAdapter(ctx context.Context, domain string) (*job.SiteAdapter, error)
	SaveAdapter(ctx context.Context, a *job.SiteAdapter) error

	AppendIncidents(ctx context.Context, incidents []*job.IncidentLog) error
	FetchIncidents(ctx context.Context, domain string, limit int) ([]*job.IncidentLog, error)
	MarkIncidentsReflected(ctx context.Context, ids []int64, version int) error

	UpsertMemory(ctx context.Context, m *job.JobMemory) error
	GetMemory(ctx context.Context, jobID string) (*job.JobMemory, error)

	AddSummary(ctx context.Context, domain string, summary map[string]any, at time.Time) error
	LatestSummary(ctx context.Context, domain string) (map[string]any, error)

	InsertAuditLog(ctx context.Context, a *job.AuditLog) error

	Health(ctx context.Context) error
	Close() error
}
