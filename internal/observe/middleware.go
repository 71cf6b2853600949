package observe

import (
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// statusWriter captures the status code written downstream. Handlers that
// never call WriteHeader implicitly answer 200.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware wraps next with the runtime's HTTP observability. It joins the
// caller's W3C trace when a traceparent header is present (otherwise starts
// a fresh one), echoes the trace ID back as X-Correlation-ID so an operator
// can quote a request when reporting a problem, records the request duration
// histogram, and logs one completion line per request through [Logger] so
// trace and span IDs attach to it.
//
// Probe and scrape endpoints complete at debug level; they fire every few
// seconds and would otherwise drown the interesting lines.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			if cid := CorrelationID(ctx); cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))

			elapsed := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", routeLabel(r.URL.Path)),
				),
			)
			span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))

			log := Logger(ctx)
			if isProbePath(r.URL.Path) {
				log.Debug("request completed",
					"method", r.Method, "path", r.URL.Path,
					"status", sw.status, "duration", elapsed)
				return
			}
			log.Info("request completed",
				"method", r.Method, "path", r.URL.Path,
				"status", sw.status, "duration", elapsed)
		})
	}
}

// routeLabel maps a request path to a bounded metric label. Callback routes
// carry a provider-chosen segment; collapsing them keeps one series per
// route shape instead of one per registered name.
func routeLabel(path string) string {
	if rest, ok := strings.CutPrefix(path, "/callbacks/"); ok && rest != "" {
		return "/callbacks/{name}"
	}
	return path
}

// isProbePath reports whether path is polled by orchestrators or scrapers.
func isProbePath(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/metrics":
		return true
	}
	return false
}
