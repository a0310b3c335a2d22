// Package job holds the wire/domain types shared across fetchguard's
// components: the Job record and its satellite records (domain policy,
// site adapter, incidents, memory, audit log, target config, circuit
// state). Types here carry yaml/json tags because they cross the KV,
// relational, and HTTP boundaries unchanged.
package job

import "time"

// Status is the Job lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusDLQ       Status = "dlq"
)

// Terminal reports whether the status accepts no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusDLQ:
		return true
	default:
		return false
	}
}

// Type enumerates job kinds. navigate_extract is the only variant this
// core implements; the enum leaves room for future reserved variants.
type Type string

const TypeNavigateExtract Type = "navigate_extract"

// Strategy selects the executor variant used to run a job.
type Strategy string

const (
	StrategyVanilla        Strategy = "vanilla"
	StrategyStealth        Strategy = "stealth"
	StrategyUltimateStealth Strategy = "ultimate_stealth"
	StrategyAssault        Strategy = "assault"
	StrategyCustom         Strategy = "custom"
)

// AuthMode is the caller's authorization context, gating which
// strategies are permitted.
type AuthMode string

const (
	AuthPublic     AuthMode = "public"
	AuthInternal   AuthMode = "internal"
	AuthPrivileged AuthMode = "privileged"
)

// Priority 0 is highest (emergency), 3 is lowest.
type Priority int

const (
	PriorityEmergency Priority = 0
	PriorityHigh      Priority = 1
	PriorityNormal    Priority = 2
	PriorityLow       Priority = 3
)

// Stream returns the priority stream name this priority maps to.
func (p Priority) Stream() string {
	switch p {
	case PriorityEmergency:
		return "jobs:stream:emergency"
	case PriorityHigh:
		return "jobs:stream:high"
	case PriorityNormal:
		return "jobs:stream:normal"
	default:
		return "jobs:stream:low"
	}
}

// Priorities lists every priority stream in dispatch order, highest first.
var Priorities = []Priority{PriorityEmergency, PriorityHigh, PriorityNormal, PriorityLow}

// Job is the unit of work the orchestrator schedules, dispatches, and
// reports on.
type Job struct {
	ID             string                 `json:"id" db:"id"`
	Domain         string                 `json:"domain" db:"domain"`
	URL            string                 `json:"url" db:"url"`
	Type           Type                   `json:"type" db:"type"`
	Strategy       Strategy               `json:"strategy" db:"strategy"`
	Payload        map[string]any         `json:"payload" db:"payload"`
	Priority       Priority               `json:"priority" db:"priority"`
	Status         Status                 `json:"status" db:"status"`
	Attempts       int                    `json:"attempts" db:"attempts"`
	RetryCount     int                    `json:"retry_count" db:"retry_count"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty" db:"completed_at"`
	Result         map[string]any         `json:"result,omitempty" db:"result"`
	Artifacts      map[string]any         `json:"artifacts,omitempty" db:"artifacts"`
	Error          string                 `json:"error,omitempty" db:"error"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty" db:"idempotency_key"`
}

// Validate checks the invariants from the data model section of the spec.
func (j *Job) Validate() error {
	switch {
	case j.Status == StatusCompleted && (j.Error != "" || len(j.Result) == 0):
		return ErrInvalidCompletedJob
	case j.Status == StatusFailed && j.Error == "":
		return ErrInvalidFailedJob
	case (j.Status == StatusPending || j.Status == StatusQueued) && (j.StartedAt != nil || j.CompletedAt != nil):
		return ErrInvalidPendingJob
	case j.StartedAt != nil && j.CompletedAt != nil && j.StartedAt.After(*j.CompletedAt):
		return ErrInvalidTimestampOrder
	}
	return nil
}

// DomainPolicy is the authorization configuration for a domain.
type DomainPolicy struct {
	Domain              string   `json:"domain" db:"domain"`
	Allowed             bool     `json:"allowed" db:"allowed"`
	Denied              bool     `json:"denied" db:"denied"`
	RateLimitPerMinute  *int     `json:"rate_limit_per_minute,omitempty" db:"rate_limit_per_minute"`
	MaxConcurrentJobs   *int     `json:"max_concurrent_jobs,omitempty" db:"max_concurrent_jobs"`
	PermittedStrategies []string `json:"permitted_strategies,omitempty" db:"permitted_strategies"`
}

// AuditAction is the decision the Policy Enforcer took.
type AuditAction string

const (
	ActionAllow              AuditAction = "allow"
	ActionDeny                AuditAction = "deny"
	ActionRateLimit           AuditAction = "rate_limit"
	ActionConcurrencyLimit    AuditAction = "concurrency_limit"
	ActionStrategyRestricted  AuditAction = "strategy_restricted"
)

// AuditLog records one policy decision.
type AuditLog struct {
	ID                       int64       `json:"id" db:"id"`
	JobID                    string      `json:"job_id" db:"job_id"`
	Domain                   string      `json:"domain" db:"domain"`
	URL                      string      `json:"url" db:"url"`
	Strategy                 Strategy    `json:"strategy" db:"strategy"`
	AuthorizationMode        AuthMode    `json:"authorization_mode" db:"authorization_mode"`
	Allowed                  bool        `json:"allowed" db:"allowed"`
	Action                   AuditAction `json:"action" db:"action"`
	Reason                   string      `json:"reason" db:"reason"`
	UserID                   string      `json:"user_id,omitempty" db:"user_id"`
	IPAddress                string      `json:"ip_address,omitempty" db:"ip_address"`
	RateLimitApplied         *int        `json:"rate_limit_applied,omitempty" db:"rate_limit_applied"`
	ConcurrencyLimitApplied  *int        `json:"concurrency_limit_applied,omitempty" db:"concurrency_limit_applied"`
	Timestamp                time.Time   `json:"timestamp" db:"timestamp"`
}

// AdapterAuditEntry is one entry in a SiteAdapter's audit trail.
type AdapterAuditEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	AppliedRules  []string  `json:"applied_rules"`
	Version       int       `json:"version"`
}

// SiteAdapter is the mutable, per-domain selector/wait-strategy record
// owned exclusively by the Reflector.
type SiteAdapter struct {
	Domain          string               `json:"domain" db:"domain"`
	Selectors       map[string]string    `json:"selectors" db:"selectors"`
	WaitStrategies  map[string]any       `json:"wait_strategies" db:"wait_strategies"`
	Version         int                  `json:"version" db:"version"`
	AuditTrail      []AdapterAuditEntry  `json:"audit_trail" db:"audit_trail"`
	SuccessRate     float64              `json:"success_rate" db:"success_rate"`
	AvgExecutionTime float64             `json:"avg_execution_time" db:"avg_execution_time"`
	CommonErrors    map[string]int       `json:"common_errors" db:"common_errors"`
}

// NewSiteAdapter returns the default adapter for a domain with no
// reflections applied yet.
func NewSiteAdapter(domain string) *SiteAdapter {
	return &SiteAdapter{
		Domain:         domain,
		Selectors:      map[string]string{},
		WaitStrategies: map[string]any{},
		Version:        0,
		CommonErrors:   map[string]int{},
	}
}

// ErrorType classifies an IncidentLog.
type ErrorType string

const (
	ErrorSelectorMiss     ErrorType = "selector_miss"
	ErrorTimeout          ErrorType = "timeout"
	ErrorBlocked          ErrorType = "blocked"
	ErrorCaptcha          ErrorType = "captcha"
	ErrorNetwork          ErrorType = "network"
	ErrorNotFound         ErrorType = "not_found"
	ErrorForbidden        ErrorType = "forbidden"
	ErrorInvalid          ErrorType = "invalid"
	ErrorJavascript       ErrorType = "javascript"
	ErrorSelectorNotFound ErrorType = "selector_not_found"
	ErrorGeneric          ErrorType = "generic"
)

// Severity grades an IncidentLog.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// IncidentLog is an append-only classified-failure record that drives
// adapter reflection.
type IncidentLog struct {
	ID                int64          `json:"id" db:"id"`
	JobID             string         `json:"job_id,omitempty" db:"job_id"`
	Domain            string         `json:"domain" db:"domain"`
	ErrorType         ErrorType      `json:"error_type" db:"error_type"`
	Message           string         `json:"message" db:"message"`
	Severity          Severity       `json:"severity" db:"severity"`
	Context           map[string]any `json:"context,omitempty" db:"context"`
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`
	Resolved          bool           `json:"resolved" db:"resolved"`
	ReflectionApplied bool           `json:"reflection_applied" db:"reflection_applied"`
	ReflectionVersion *int           `json:"reflection_version,omitempty" db:"reflection_version"`
}

// JobMemory is an append-only per-job execution record; the highest id
// for a job_id wins on read.
type JobMemory struct {
	ID               int64          `json:"id" db:"id"`
	JobID            string         `json:"job_id" db:"job_id"`
	Content          map[string]any `json:"content" db:"content"`
	ArtifactPaths    []string       `json:"artifact_paths" db:"artifact_paths"`
	SignedArtifacts  []string       `json:"signed_artifacts" db:"signed_artifacts"`
	AdapterVersion   *int           `json:"adapter_version,omitempty" db:"adapter_version"`
	ExecutionContext map[string]any `json:"execution_context,omitempty" db:"execution_context"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
}

// RiskLevel classifies a domain's evasion requirements.
type RiskLevel string

const (
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RateLimits is the per-domain rate-limit configuration resolved from
// the Target Registry.
type RateLimits struct {
	PerMinute    int `json:"per_minute" yaml:"per_minute"`
	PerIPPerHour int `json:"per_ip_per_hour" yaml:"per_ip_per_hour"`
	Concurrent   int `json:"concurrent" yaml:"concurrent"`
}

// CircuitBreakerSettings is the per-domain failure ladder resolved from
// the Target Registry.
type CircuitBreakerSettings struct {
	FailureThresholds []int `json:"failure_thresholds" yaml:"failure_thresholds"`
	BackoffTimes      []int `json:"backoff_times" yaml:"backoff_times"`
}

// Heuristics captures the registry's derived risk posture for a domain.
type Heuristics struct {
	RiskLevel       RiskLevel `json:"risk_level" yaml:"risk_level"`
	RequiresStealth bool      `json:"requires_stealth" yaml:"requires_stealth"`
}

// TargetConfig is the resolved per-domain configuration: selectors, wait
// strategies, rate limits, circuit-breaker ladder, and heuristics.
type TargetConfig struct {
	Domain               string                 `json:"domain" yaml:"domain"`
	Selectors             map[string]string      `json:"selectors" yaml:"selectors"`
	WaitStrategies        map[string]any         `json:"wait_strategies" yaml:"wait_strategies"`
	RateLimits            RateLimits             `json:"rate_limits" yaml:"rate_limits"`
	CircuitBreakerSettings CircuitBreakerSettings `json:"circuit_breaker_settings" yaml:"circuit_breaker_settings"`
	Heuristics            Heuristics             `json:"heuristics" yaml:"heuristics"`
}

// CircuitStatus is the persisted circuit-breaker state machine value.
type CircuitStatus string

const (
	CircuitClosed CircuitStatus = "closed"
	CircuitOpen   CircuitStatus = "open"
)

// CircuitState is the KV-persisted record behind the Circuit Breaker.
type CircuitState struct {
	Status      CircuitStatus `json:"status"`
	Failures    int           `json:"failures"`
	LastFailure time.Time     `json:"last_failure"`
	OpenedAt    time.Time     `json:"opened_at"`
	BackoffTime int           `json:"backoff_time"`
}
