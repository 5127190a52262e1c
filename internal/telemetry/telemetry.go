// Package telemetry defines the logging, metrics, and tracing interfaces used
// throughout the orchestrator. Call sites depend only on these interfaces;
// goa.design/clue, OpenTelemetry, and Prometheus are wired in by the
// concrete implementations in this package.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger is structured, context-scoped logging. Implementations must be
// safe for concurrent use; the Task Engine logs from multiple worker
// goroutines.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer, and gauge recording for runtime
// instrumentation (tasks completed, fix-loop depth, lease reclaims, ...).
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer creates spans for tool invocations, agent iterations, and state
// transitions so a single task's execution can be followed across workers.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
}

// Span is an in-flight trace span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}
