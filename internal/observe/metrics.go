// Package observe provides application-wide observability primitives for
// Hibiki: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Hibiki metrics.
const meterName = "github.com/vtforge/hibiki"

// Metrics holds all OpenTelemetry metric instruments for the runtime.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// DecideDuration tracks the latency of one decision, fallback included.
	// Attributes: provider, status (ok | timeout | error | panic | disconnected).
	DecideDuration metric.Float64Histogram

	// RenderDuration tracks the latency of one output render.
	// Attributes: provider, status (ok | timeout | cancelled | error).
	RenderDuration metric.Float64Histogram

	// --- Counters ---

	// MessagesIn counts normalized messages emitted on data.message, by
	// input provider.
	MessagesIn metric.Int64Counter

	// MessagesDropped counts messages discarded before emission, by input
	// provider. Covers normalizer rejects and pipeline drops alike.
	MessagesDropped metric.Int64Counter

	// DecideFallbacks counts synthetic fallback intents. Attributes:
	// provider, reason.
	DecideFallbacks metric.Int64Counter

	// RenderFailures counts failed renders. Attributes: provider, reason.
	RenderFailures metric.Int64Counter

	// RenderQueueDrops counts bundles discarded from a full render queue,
	// by output provider.
	RenderQueueDrops metric.Int64Counter

	// ProviderSwaps counts live decision provider swaps.
	ProviderSwaps metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// the live pipeline: a decide may take whole seconds, a render usually less.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DecideDuration, err = m.Float64Histogram("hibiki.decision.duration",
		metric.WithDescription("Latency of one decision, fallback included."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RenderDuration, err = m.Float64Histogram("hibiki.output.render.duration",
		metric.WithDescription("Latency of one output render."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.MessagesIn, err = m.Int64Counter("hibiki.input.messages",
		metric.WithDescription("Normalized messages emitted on data.message, by provider."),
	); err != nil {
		return nil, err
	}
	if met.MessagesDropped, err = m.Int64Counter("hibiki.input.dropped",
		metric.WithDescription("Messages discarded before emission, by provider."),
	); err != nil {
		return nil, err
	}
	if met.DecideFallbacks, err = m.Int64Counter("hibiki.decision.fallbacks",
		metric.WithDescription("Synthetic fallback intents by provider and reason."),
	); err != nil {
		return nil, err
	}
	if met.RenderFailures, err = m.Int64Counter("hibiki.output.render.failures",
		metric.WithDescription("Failed renders by provider and reason."),
	); err != nil {
		return nil, err
	}
	if met.RenderQueueDrops, err = m.Int64Counter("hibiki.output.queue.drops",
		metric.WithDescription("Bundles discarded from a full render queue, by provider."),
	); err != nil {
		return nil, err
	}
	if met.ProviderSwaps, err = m.Int64Counter("hibiki.decision.swaps",
		metric.WithDescription("Live decision provider swaps."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("hibiki.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordMessage counts one message leaving the input domain, or one drop when
// dropped is set.
func (m *Metrics) RecordMessage(ctx context.Context, provider string, dropped bool) {
	attrs := metric.WithAttributes(attribute.String("provider", provider))
	if dropped {
		m.MessagesDropped.Add(ctx, 1, attrs)
		return
	}
	m.MessagesIn.Add(ctx, 1, attrs)
}

// RecordDecide records one decide's duration and, when reason is non-empty,
// the fallback it produced.
func (m *Metrics) RecordDecide(ctx context.Context, provider string, elapsed time.Duration, reason string) {
	status := reason
	if status == "" {
		status = "ok"
	}
	m.DecideDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
	if reason != "" {
		m.DecideFallbacks.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("reason", reason),
		))
	}
}

// RecordRender records one render's duration and outcome.
func (m *Metrics) RecordRender(ctx context.Context, provider string, elapsed time.Duration, err error) {
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
	case errors.Is(err, context.Canceled):
		status = "cancelled"
	default:
		status = "error"
	}
	m.RenderDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
	if err != nil {
		m.RenderFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("reason", status),
		))
	}
}

// RecordRenderDrop counts one bundle lost to a full render queue.
func (m *Metrics) RecordRenderDrop(ctx context.Context, provider string) {
	m.RenderQueueDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordSwap counts one live decision provider swap.
func (m *Metrics) RecordSwap(ctx context.Context, from, to string) {
	m.ProviderSwaps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}
