// Package tracing provides the lightweight span abstraction threaded
// through the orchestrator's dequeue -> dispatch -> execute -> persist
// path. A Tracer can bridge into a real OpenTelemetry SDK via
// NewOTelTracer; the in-process simpleTracer remains available for tests
// and for deployments that don't run a collector.
package tracing

import (
	"context"
	randcrypto "crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Span is a started unit of work that must be ended exactly once.
type Span interface {
	End()
	SetAttribute(key string, value any)
	Context() SpanContext
	IsEnded() bool
}

// SpanContext is a reduced, stable view of span identity and timing.
type SpanContext struct {
	TraceID, SpanID, ParentSpanID string
	Start, End                   time.Time
}

// Tracer starts spans for named operations.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	Noop() bool
}

type noopTracer struct{}
type noopSpan struct{}

func (noopTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, noopSpan{}
}
func (noopTracer) Noop() bool                       { return true }
func (noopSpan) End()                                {}
func (noopSpan) SetAttribute(key string, value any)  {}
func (noopSpan) Context() SpanContext                { return SpanContext{} }
func (noopSpan) IsEnded() bool                       { return true }

// NewTracer returns the in-process tracer used by default, or a no-op
// tracer when disabled.
func NewTracer(enabled bool) Tracer {
	if !enabled {
		return noopTracer{}
	}
	return simpleTracer{}
}

type simpleTracer struct{}

type simpleSpan struct {
	ctx   SpanContext
	mu    sync.Mutex
	ended bool
	attrs map[string]any
}

func (simpleTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	parent := spanFromContext(ctx)
	traceID := parent.ctx.TraceID
	if traceID == "" {
		traceID = newID(16)
	}
	sp := &simpleSpan{ctx: SpanContext{TraceID: traceID, SpanID: newID(8), ParentSpanID: parent.ctx.SpanID, Start: time.Now()}, attrs: make(map[string]any)}
	return context.WithValue(ctx, spanKey{}, sp), sp
}
func (simpleTracer) Noop() bool { return false }

func (s *simpleSpan) End() {
	s.mu.Lock()
	if !s.ended {
		s.ctx.End = time.Now()
		s.ended = true
	}
	s.mu.Unlock()
}
func (s *simpleSpan) SetAttribute(key string, value any) {
	s.mu.Lock()
	s.attrs[key] = value
	s.mu.Unlock()
}
func (s *simpleSpan) Context() SpanContext { return s.ctx }
func (s *simpleSpan) IsEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

type spanKey struct{}

func spanFromContext(ctx context.Context) *simpleSpan {
	if ctx == nil {
		return &simpleSpan{}
	}
	if sp, ok := ctx.Value(spanKey{}).(*simpleSpan); ok {
		return sp
	}
	return &simpleSpan{}
}

// ExtractIDs pulls the current trace/span id pair out of ctx, for log
// correlation. Falls back to an active OpenTelemetry span if present so
// the two tracing paths interoperate.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	if sp := spanFromContext(ctx); sp.ctx.TraceID != "" {
		return sp.ctx.TraceID, sp.ctx.SpanID
	}
	sc := oteltrace.SpanContextFromContext(ctx)
	if sc.IsValid() {
		return sc.TraceID().String(), sc.SpanID().String()
	}
	return "", ""
}

func newID(n int) string {
	b := make([]byte, n)
	_, _ = randcrypto.Read(b)
	return hex.EncodeToString(b)
}

// otelTracer bridges Tracer onto a real go.opentelemetry.io/otel
// TracerProvider, for deployments exporting to a collector.
type otelTracer struct {
	tracer oteltrace.Tracer
}

// NewOTelTracer returns a Tracer backed by the global OpenTelemetry
// TracerProvider under the given instrumentation name.
func NewOTelTracer(instrumentationName string) Tracer {
	return &otelTracer{tracer: otel.Tracer(instrumentationName)}
}

type otelSpan struct {
	span oteltrace.Span
	sc   SpanContext
}

func (t *otelTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, sp := t.tracer.Start(ctx, name)
	sc := sp.SpanContext()
	return ctx, &otelSpan{span: sp, sc: SpanContext{TraceID: sc.TraceID().String(), SpanID: sc.SpanID().String(), Start: time.Now()}}
}
func (t *otelTracer) Noop() bool { return false }

func (s *otelSpan) End() {
	s.sc.End = time.Now()
	s.span.End()
}
func (s *otelSpan) SetAttribute(key string, value any) {
	s.span.AddEvent(key)
}
func (s *otelSpan) Context() SpanContext { return s.sc }
func (s *otelSpan) IsEnded() bool        { return !s.sc.End.IsZero() }
