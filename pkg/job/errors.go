package job

import (
	"errors"
	"strings"
)

// Job invariant violations.
var (
	ErrInvalidCompletedJob    = errors.New("completed job must have empty error and non-empty result")
	ErrInvalidFailedJob       = errors.New("failed job must have a non-empty error")
	ErrInvalidPendingJob      = errors.New("pending/queued job must not have started_at or completed_at set")
	ErrInvalidTimestampOrder  = errors.New("started_at must not be after completed_at")
)

// Reason is the wire-level structured failure reason from spec.md §6.
type Reason string

const (
	ReasonDenylist            Reason = "denylist"
	ReasonStrategyRestricted  Reason = "strategy_restricted"
	ReasonRateLimit           Reason = "rate_limit"
	ReasonConcurrencyLimit    Reason = "concurrency_limit"
	ReasonExecutorUnavailable Reason = "executor_unavailable"
	ReasonExecutorFailed      Reason = "executor_failed"
	ReasonTimeout             Reason = "timeout"
	ReasonCancelled           Reason = "cancelled"
	ReasonDLQ                 Reason = "dlq"
)

// Class is the error taxonomy from spec.md §7: every failure the system
// produces is one of these four classes, independent of what produced it.
type Class int

const (
	// ClassTransient covers KV/DB transport failures and upstream fetch
	// timeouts: retryable, does not trip the circuit, only counts toward
	// error frequency.
	ClassTransient Class = iota
	// ClassTargetFailure covers blocked/captcha/forbidden/timeout/
	// selector_miss/javascript/network: counted by the Circuit Breaker
	// and drives the Reflector's rule engine.
	ClassTargetFailure
	// ClassClientError covers denylist/strategy_restricted/rate_limit/
	// concurrency_limit/invalid_input: surfaced immediately.
	ClassClientError
	// ClassFatal covers programming errors and schema drift: logged with
	// full context, job marked failed, never retried.
	ClassFatal
)

// ClassifyReason maps a structured Reason to its error Class.
func ClassifyReason(r Reason) Class {
	switch r {
	case ReasonDenylist, ReasonStrategyRestricted, ReasonRateLimit, ReasonConcurrencyLimit, ReasonCancelled:
		return ClassClientError
	case ReasonTimeout:
		return ClassTargetFailure
	default:
		return ClassTransient
	}
}

// ClassifyErrorType maps an IncidentLog ErrorType to its error Class.
// Target-failure types drive both the Circuit Breaker and the Reflector;
// everything else is transient noise that only feeds error-frequency
// counters.
func ClassifyErrorType(t ErrorType) Class {
	switch t {
	case ErrorBlocked, ErrorCaptcha, ErrorForbidden, ErrorTimeout, ErrorSelectorMiss, ErrorSelectorNotFound, ErrorJavascript, ErrorNetwork:
		return ClassTargetFailure
	case ErrorInvalid:
		return ClassClientError
	default:
		return ClassTransient
	}
}

// ClassifyErrorMessage performs the order-sensitive substring
// classification spec.md §4.14 requires for the Reflection Publisher's
// error_analysis signal. Order matters: earlier patterns take priority
// over later, broader ones.
func ClassifyErrorMessage(msg string) ErrorType {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "timeout"):
		return ErrorTimeout
	case strings.Contains(lower, "network"), strings.Contains(lower, "connection"):
		return ErrorNetwork
	case strings.Contains(lower, "not found"), strings.Contains(lower, "404"):
		return ErrorNotFound
	case strings.Contains(lower, "forbidden"), strings.Contains(lower, "403"):
		return ErrorForbidden
	case strings.Contains(lower, "captcha"):
		return ErrorCaptcha
	case strings.Contains(lower, "blocked"):
		return ErrorBlocked
	case strings.Contains(lower, "invalid"):
		return ErrorInvalid
	case strings.Contains(lower, "javascript"):
		return ErrorJavascript
	case strings.Contains(lower, "selector"):
		return ErrorSelectorNotFound
	default:
		return ErrorGeneric
	}
}
