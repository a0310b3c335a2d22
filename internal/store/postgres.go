package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/99souls/fetchguard/pkg/job"
)

// Postgres is the production Store, backed by lib/pq through sqlx.
type Postgres struct {
	db *sqlx.DB
}

// PostgresOptions controls the connection pool, mirroring the teacher's
// resources.Config constructor-validation idiom of a narrow options
// struct with sane defaults applied by the constructor.
type PostgresOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewPostgres opens dsn and configures the pool per opts.
func NewPostgres(dsn string, opts PostgresOptions) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an already-configured *sqlx.DB, for tests
// using go-sqlmock.
func NewPostgresFromDB(db *sqlx.DB) *Postgres { return &Postgres{db: db} }

func toJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func fromJSONMap(raw []byte, out *map[string]any) error {
	if len(raw) == 0 || string(raw) == "null" {
		*out = nil
		return nil
	}
	return json.Unmarshal(raw, out)
}

type jobRow struct {
	ID             string         `db:"id"`
	Domain         string         `db:"domain"`
	URL            string         `db:"url"`
	Type           string         `db:"type"`
	Strategy       string         `db:"strategy"`
	Payload        []byte         `db:"payload"`
	Priority       int            `db:"priority"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	RetryCount     int            `db:"retry_count"`
	CreatedAt      time.Time      `db:"created_at"`
	StartedAt      sql.NullTime   `db:"started_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
	Result         []byte         `db:"result"`
	Artifacts      []byte         `db:"artifacts"`
	Error          sql.NullString `db:"error"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
}

func (r *jobRow) toJob() (*job.Job, error) {
	j := &job.Job{
		ID:         r.ID,
		Domain:     r.Domain,
		URL:        r.URL,
		Type:       job.Type(r.Type),
		Strategy:   job.Strategy(r.Strategy),
		Priority:   job.Priority(r.Priority),
		Status:     job.Status(r.Status),
		Attempts:   r.Attempts,
		RetryCount: r.RetryCount,
		CreatedAt:  r.CreatedAt,
	}
	if r.StartedAt.Valid {
		j.StartedAt = &r.StartedAt.Time
	}
	if r.CompletedAt.Valid {
		j.CompletedAt = &r.CompletedAt.Time
	}
	if r.Error.Valid {
		j.Error = r.Error.String
	}
	if r.IdempotencyKey.Valid {
		j.IdempotencyKey = r.IdempotencyKey.String
	}
	if err := fromJSONMap(r.Payload, &j.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if err := fromJSONMap(r.Result, &j.Result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if err := fromJSONMap(r.Artifacts, &j.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	return j, nil
}

func fromJob(j *job.Job) (*jobRow, error) {
	payload, err := toJSON(j.Payload)
	if err != nil {
		return nil, err
	}
	result, err := toJSON(j.Result)
	if err != nil {
		return nil, err
	}
	artifacts, err := toJSON(j.Artifacts)
	if err != nil {
		return nil, err
	}
	r := &jobRow{
		ID:         j.ID,
		Domain:     j.Domain,
		URL:        j.URL,
		Type:       string(j.Type),
		Strategy:   string(j.Strategy),
		Payload:    payload,
		Priority:   int(j.Priority),
		Status:     string(j.Status),
		Attempts:   j.Attempts,
		RetryCount: j.RetryCount,
		CreatedAt:  j.CreatedAt,
		Result:     result,
		Artifacts:  artifacts,
	}
	if j.StartedAt != nil {
		r.StartedAt = sql.NullTime{Time: *j.StartedAt, Valid: true}
	}
	if j.CompletedAt != nil {
		r.CompletedAt = sql.NullTime{Time: *j.CompletedAt, Valid: true}
	}
	if j.Error != "" {
		r.Error = sql.NullString{String: j.Error, Valid: true}
	}
	if j.IdempotencyKey != "" {
		r.IdempotencyKey = sql.NullString{String: j.IdempotencyKey, Valid: true}
	}
	return r, nil
}

const jobColumns = `id, domain, url, type, strategy, payload, priority, status, attempts,
	retry_count, created_at, started_at, completed_at, result, artifacts, error, idempotency_key`

func (p *Postgres) InsertJob(ctx context.Context, j *job.Job) error {
	row, err := fromJob(j)
	if err != nil {
		return err
	}
	_, err = p.db.NamedExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (:id, :domain, :url, :type, :strategy, :payload, :priority, :status, :attempts,
			:retry_count, :created_at, :started_at, :completed_at, :result, :artifacts, :error, :idempotency_key)
	`, row)
	if err != nil {
		return fmt.Errorf("store: insert job: %w", err)
	}
	return nil
}

func (p *Postgres) GetJob(ctx context.Context, id string) (*job.Job, error) {
	var row jobRow
	err := p.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job: %w", err)
	}
	return row.toJob()
}

func (p *Postgres) GetJobByIdempotencyKey(ctx context.Context, key string) (*job.Job, error) {
	var row jobRow
	err := p.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job by idempotency key: %w", err)
	}
	return row.toJob()
}

func (p *Postgres) UpdateJob(ctx context.Context, j *job.Job) error {
	row, err := fromJob(j)
	if err != nil {
		return err
	}
	res, err := p.db.NamedExecContext(ctx, `
		UPDATE jobs SET status=:status, attempts=:attempts, retry_count=:retry_count,
			started_at=:started_at, completed_at=:completed_at, result=:result,
			artifacts=:artifacts, error=:error
		WHERE id=:id
	`, row)
	if err != nil {
		return fmt.Errorf("store: update job: %w", err)
	}
	return mustAffectOneRow(res)
}

func mustAffectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := p.db.GetContext(ctx, &attempts, `
		UPDATE jobs SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: increment attempts: %w", err)
	}
	return attempts, nil
}

func (p *Postgres) GetJobsByStatus(ctx context.Context, filter JobFilter) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 ORDER BY created_at ASC`
	args := []any{string(filter.Status)}
	if filter.Limit > 0 {
		query += ` LIMIT $2`
		args = append(args, filter.Limit)
	}
	var rows []jobRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("store: get jobs by status: %w", err)
	}
	out := make([]*job.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (p *Postgres) GetDomainPolicy(ctx context.Context, domain string) (*job.DomainPolicy, error) {
	var row struct {
		Domain              string         `db:"domain"`
		Allowed             bool           `db:"allowed"`
		Denied              bool           `db:"denied"`
		RateLimitPerMinute  sql.NullInt64  `db:"rate_limit_per_minute"`
		MaxConcurrentJobs   sql.NullInt64  `db:"max_concurrent_jobs"`
		PermittedStrategies []byte         `db:"permitted_strategies"`
	}
	err := p.db.GetContext(ctx, &row, `
		SELECT domain, allowed, denied, rate_limit_per_minute, max_concurrent_jobs, permitted_strategies
		FROM domain_policies WHERE domain = $1
	`, domain)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get domain policy: %w", err)
	}
	p2 := &job.DomainPolicy{Domain: row.Domain, Allowed: row.Allowed, Denied: row.Denied}
	if row.RateLimitPerMinute.Valid {
		v := int(row.RateLimitPerMinute.Int64)
		p2.RateLimitPerMinute = &v
	}
	if row.MaxConcurrentJobs.Valid {
		v := int(row.MaxConcurrentJobs.Int64)
		p2.MaxConcurrentJobs = &v
	}
	if len(row.PermittedStrategies) > 0 {
		if err := json.Unmarshal(row.PermittedStrategies, &p2.PermittedStrategies); err != nil {
			return nil, fmt.Errorf("decode permitted_strategies: %w", err)
		}
	}
	return p2, nil
}

func (p *Postgres) UpsertDomainPolicy(ctx context.Context, dp *job.DomainPolicy) error {
	strategies, err := toJSON(dp.PermittedStrategies)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO domain_policies (domain, allowed, denied, rate_limit_per_minute, max_concurrent_jobs, permitted_strategies)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (domain) DO UPDATE SET
			allowed = EXCLUDED.allowed, denied = EXCLUDED.denied,
			rate_limit_per_minute = EXCLUDED.rate_limit_per_minute,
			max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
			permitted_strategies = EXCLUDED.permitted_strategies
	`, dp.Domain, dp.Allowed, dp.Denied, dp.RateLimitPerMinute, dp.MaxConcurrentJobs, strategies)
	if err != nil {
		return fmt.Errorf("store: upsert domain policy: %w", err)
	}
	return nil
}

func (p *Postgres) GetAdapter(ctx context.Context, domain string) (*job.SiteAdapter, error) {
	var row struct {
		Domain           string  `db:"domain"`
		Selectors        []byte  `db:"selectors"`
		WaitStrategies   []byte  `db:"wait_strategies"`
		Version          int     `db:"version"`
		AuditTrail       []byte  `db:"audit_trail"`
		SuccessRate      float64 `db:"success_rate"`
		AvgExecutionTime float64 `db:"avg_execution_time"`
		CommonErrors     []byte  `db:"common_errors"`
	}
	err := p.db.GetContext(ctx, &row, `
		SELECT domain, selectors, wait_strategies, version, audit_trail, success_rate, avg_execution_time, common_errors
		FROM site_adapters WHERE domain = $1
	`, domain)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get adapter: %w", err)
	}
	a := &job.SiteAdapter{Domain: row.Domain, Version: row.Version, SuccessRate: row.SuccessRate, AvgExecutionTime: row.AvgExecutionTime}
	if err := json.Unmarshal(row.Selectors, &a.Selectors); err != nil {
		return nil, fmt.Errorf("decode selectors: %w", err)
	}
	if err := json.Unmarshal(row.WaitStrategies, &a.WaitStrategies); err != nil {
		return nil, fmt.Errorf("decode wait_strategies: %w", err)
	}
	if err := json.Unmarshal(row.CommonErrors, &a.CommonErrors); err != nil {
		return nil, fmt.Errorf("decode common_errors: %w", err)
	}
	if len(row.AuditTrail) > 0 {
		if err := json.Unmarshal(row.AuditTrail, &a.AuditTrail); err != nil {
			return nil, fmt.Errorf("decode audit_trail: %w", err)
		}
	}
	return a, nil
}

func (p *Postgres) SaveAdapter(ctx context.Context, a *job.SiteAdapter) error {
	selectors, err := toJSON(a.Selectors)
	if err != nil {
		return err
	}
	waitStrategies, err := toJSON(a.WaitStrategies)
	if err != nil {
		return err
	}
	auditTrail, err := toJSON(a.AuditTrail)
	if err != nil {
		return err
	}
	commonErrors, err := toJSON(a.CommonErrors)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO site_adapters (domain, selectors, wait_strategies, version, audit_trail, success_rate, avg_execution_time, common_errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (domain) DO UPDATE SET
			selectors = EXCLUDED.selectors, wait_strategies = EXCLUDED.wait_strategies,
			version = EXCLUDED.version, audit_trail = EXCLUDED.audit_trail,
			success_rate = EXCLUDED.success_rate, avg_execution_time = EXCLUDED.avg_execution_time,
			common_errors = EXCLUDED.common_errors
	`, a.Domain, selectors, waitStrategies, a.Version, auditTrail, a.SuccessRate, a.AvgExecutionTime, commonErrors)
	if err != nil {
		return fmt.Errorf("store: save adapter: %w", err)
	}
	return nil
}

func (p *Postgres) AppendIncidents(ctx context.Context, incidents []*job.IncidentLog) error {
	if len(incidents) == 0 {
		return nil
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()
	for _, inc := range incidents {
		incCtx, err := toJSON(inc.Context)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO incidents (job_id, domain, error_type, message, severity, context, created_at, resolved, reflection_applied, reflection_version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, nullableString(inc.JobID), inc.Domain, string(inc.ErrorType), inc.Message, string(inc.Severity), incCtx, inc.CreatedAt, inc.Resolved, inc.ReflectionApplied, inc.ReflectionVersion)
		if err != nil {
			return fmt.Errorf("store: append incident: %w", err)
		}
	}
	return tx.Commit()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (p *Postgres) FetchIncidents(ctx context.Context, domain string, limit int) ([]*job.IncidentLog, error) {
	query := `SELECT id, job_id, domain, error_type, message, severity, context, created_at, resolved, reflection_applied, reflection_version
		FROM incidents WHERE domain = $1 ORDER BY created_at DESC`
	args := []any{domain}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := p.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: fetch incidents: %w", err)
	}
	defer rows.Close()

	var out []*job.IncidentLog
	for rows.Next() {
		var row struct {
			ID                int64          `db:"id"`
			JobID             sql.NullString `db:"job_id"`
			Domain            string         `db:"domain"`
			ErrorType         string         `db:"error_type"`
			Message           string         `db:"message"`
			Severity          string         `db:"severity"`
			Context           []byte         `db:"context"`
			CreatedAt         time.Time      `db:"created_at"`
			Resolved          bool           `db:"resolved"`
			ReflectionApplied bool           `db:"reflection_applied"`
			ReflectionVersion sql.NullInt64  `db:"reflection_version"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("store: scan incident: %w", err)
		}
		inc := &job.IncidentLog{
			ID:                row.ID,
			Domain:            row.Domain,
			ErrorType:         job.ErrorType(row.ErrorType),
			Message:           row.Message,
			Severity:          job.Severity(row.Severity),
			CreatedAt:         row.CreatedAt,
			Resolved:          row.Resolved,
			ReflectionApplied: row.ReflectionApplied,
		}
		if row.JobID.Valid {
			inc.JobID = row.JobID.String
		}
		if row.ReflectionVersion.Valid {
			v := int(row.ReflectionVersion.Int64)
			inc.ReflectionVersion = &v
		}
		if err := fromJSONMap(row.Context, &inc.Context); err != nil {
			return nil, fmt.Errorf("decode incident context: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkIncidentsReflected(ctx context.Context, ids []int64, version int) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE incidents SET reflection_applied = true, reflection_version = $2 WHERE id = ANY($1)
	`, pq.Array(ids), version)
	if err != nil {
		return fmt.Errorf("store: mark incidents reflected: %w", err)
	}
	return nil
}

func (p *Postgres) UpsertMemory(ctx context.Context, m *job.JobMemory) error {
	content, err := toJSON(m.Content)
	if err != nil {
		return err
	}
	execCtx, err := toJSON(m.ExecutionContext)
	if err != nil {
		return err
	}
	artifactPaths, err := toJSON(m.ArtifactPaths)
	if err != nil {
		return err
	}
	signedArtifacts, err := toJSON(m.SignedArtifacts)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO job_memories (job_id, content, artifact_paths, signed_artifacts, adapter_version, execution_context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, m.JobID, content, artifactPaths, signedArtifacts, m.AdapterVersion, execCtx, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert memory: %w", err)
	}
	return nil
}

func (p *Postgres) GetMemory(ctx context.Context, jobID string) (*job.JobMemory, error) {
	var row struct {
		ID               int64         `db:"id"`
		JobID            string        `db:"job_id"`
		Content          []byte        `db:"content"`
		ArtifactPaths    []byte        `db:"artifact_paths"`
		SignedArtifacts  []byte        `db:"signed_artifacts"`
		AdapterVersion   sql.NullInt64 `db:"adapter_version"`
		ExecutionContext []byte        `db:"execution_context"`
		CreatedAt        time.Time     `db:"created_at"`
	}
	err := p.db.GetContext(ctx, &row, `
		SELECT id, job_id, content, artifact_paths, signed_artifacts, adapter_version, execution_context, created_at
		FROM job_memories WHERE job_id = $1 ORDER BY id DESC LIMIT 1
	`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get memory: %w", err)
	}
	m := &job.JobMemory{ID: row.ID, JobID: row.JobID, CreatedAt: row.CreatedAt}
	if row.AdapterVersion.Valid {
		v := int(row.AdapterVersion.Int64)
		m.AdapterVersion = &v
	}
	if err := fromJSONMap(row.Content, &m.Content); err != nil {
		return nil, fmt.Errorf("decode memory content: %w", err)
	}
	if err := fromJSONMap(row.ExecutionContext, &m.ExecutionContext); err != nil {
		return nil, fmt.Errorf("decode execution_context: %w", err)
	}
	if len(row.ArtifactPaths) > 0 {
		if err := json.Unmarshal(row.ArtifactPaths, &m.ArtifactPaths); err != nil {
			return nil, fmt.Errorf("decode artifact_paths: %w", err)
		}
	}
	if len(row.SignedArtifacts) > 0 {
		if err := json.Unmarshal(row.SignedArtifacts, &m.SignedArtifacts); err != nil {
			return nil, fmt.Errorf("decode signed_artifacts: %w", err)
		}
	}
	return m, nil
}

func (p *Postgres) AddSummary(ctx context.Context, domain string, summary map[string]any, at time.Time) error {
	data, err := toJSON(summary)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO domain_summaries (domain, summary, created_at) VALUES ($1, $2, $3)
	`, domain, data, at)
	if err != nil {
		return fmt.Errorf("store: add summary: %w", err)
	}
	return nil
}

func (p *Postgres) LatestSummary(ctx context.Context, domain string) (map[string]any, error) {
	var data []byte
	err := p.db.GetContext(ctx, &data, `
		SELECT summary FROM domain_summaries WHERE domain = $1 ORDER BY created_at DESC LIMIT 1
	`, domain)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest summary: %w", err)
	}
	var out map[string]any
	if err := fromJSONMap(data, &out); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return out, nil
}

func (p *Postgres) InsertAuditLog(ctx context.Context, a *job.AuditLog) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_logs (job_id, domain, url, strategy, authorization_mode, allowed, action, reason,
			user_id, ip_address, rate_limit_applied, concurrency_limit_applied, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, a.JobID, a.Domain, a.URL, string(a.Strategy), string(a.AuthorizationMode), a.Allowed, string(a.Action), a.Reason,
		nullableString(a.UserID), nullableString(a.IPAddress), a.RateLimitApplied, a.ConcurrencyLimitApplied, a.Timestamp)
	if err != nil {
		return fmt.Errorf("store: insert audit log: %w", err)
	}
	return nil
}

func (p *Postgres) Health(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: health: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error { return p.db.Close() }
