package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope for all runtime spans, matching
// the meter scope so traces and metrics attribute to the same source.
const tracerName = "github.com/vtforge/hibiki"

// StartSpan opens a span named name under whatever span ctx already carries,
// using the globally registered tracer provider. The caller owns span.End.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// CorrelationID returns the hex trace ID of the active span in ctx, or ""
// without one. The trace ID is the single identifier the runtime hands to
// operators: it appears in log lines and in the X-Correlation-ID response
// header, so a quoted ID finds both the logs and the trace.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries an active span, and unchanged otherwise.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
