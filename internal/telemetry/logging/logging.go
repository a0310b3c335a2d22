// Package logging provides the structured logger passed by constructor
// injection to the orchestrator, registry, queue promoter and HTTP API
// (and to the daemon's reflection loop), the same way other components
// receive a *ratelimit.Limiter or *memcache.Cache.
package logging

import (
	"context"

	"go.uber.org/zap"

	"github.com/99souls/fetchguard/internal/telemetry/tracing"
)

// Logger wraps *zap.Logger with trace/span correlation pulled from the
// context.
type Logger struct {
	base *zap.Logger
}

// New wraps base, or builds a sane production logger when base is nil.
func New(base *zap.Logger) *Logger {
	if base == nil {
		z, err := zap.NewProduction()
		if err != nil {
			z = zap.NewNop()
		}
		base = z
	}
	return &Logger{base: base}
}

// NewDevelopment returns a human-readable logger for local runs.
func NewDevelopment() *Logger {
	z, err := zap.NewDevelopment()
	if err != nil {
		z = zap.NewNop()
	}
	return New(z)
}

func (l *Logger) correlate(ctx context.Context, fields []zap.Field) []zap.Field {
	traceID, spanID := tracing.ExtractIDs(ctx)
	if traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	if spanID != "" {
		fields = append(fields, zap.String("span_id", spanID))
	}
	return fields
}

// InfoCtx logs at info level with trace correlation.
func (l *Logger) InfoCtx(ctx context.Context, msg string, fields ...zap.Field) {
	l.base.Info(msg, l.correlate(ctx, fields)...)
}

// WarnCtx logs at warn level with trace correlation.
func (l *Logger) WarnCtx(ctx context.Context, msg string, fields ...zap.Field) {
	l.base.Warn(msg, l.correlate(ctx, fields)...)
}

// ErrorCtx logs at error level with trace correlation.
func (l *Logger) ErrorCtx(ctx context.Context, msg string, fields ...zap.Field) {
	l.base.Error(msg, l.correlate(ctx, fields)...)
}

// With returns a child logger with the given fields bound.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{base: l.base.With(fields...)}
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.base.Sync() }
