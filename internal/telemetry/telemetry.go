// Package telemetry defines the small Logger/Metrics/Tracer seams the rest
// of the module logs and traces through, so the engine, tools, and session
// orchestrator never import an observability SDK directly.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the service.
// Implementations typically delegate to Clue, but the interface stays small
// so tests can supply lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer, and gauge helpers for instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so callers stay agnostic of the underlying
// OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// TurnTelemetry captures observability metadata collected for one session
// turn. Common fields give type safety to the metrics every turn reports;
// Extra holds mode-specific data (e.g. sandbox provider, row count).
type TurnTelemetry struct {
	// DurationMs is the turn's wall-clock time in milliseconds.
	DurationMs int64
	// QueryMode is "chat", "sql", "plan", or "python".
	QueryMode string
	// Status is the capsule status the turn produced.
	Status string
	// Extra holds mode-specific metadata not captured by the common fields.
	Extra map[string]any
}
