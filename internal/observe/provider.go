package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig tunes the global telemetry providers.
type ProviderConfig struct {
	// ServiceName identifies this process in exported telemetry.
	// Empty means "hibiki".
	ServiceName string

	// ServiceVersion is stamped on the telemetry resource when set.
	ServiceVersion string

	// TraceExporter receives finished spans. Left nil, spans are created
	// and propagated but stay in-process; metrics work either way.
	TraceExporter sdktrace.SpanExporter
}

// InitProvider installs the runtime's OTel providers as the process-global
// ones: a meter provider whose Prometheus reader backs the shared server's
// /metrics endpoint, a tracer provider feeding cfg.TraceExporter when one is
// configured, and W3C trace context as the global propagator.
//
// The returned function shuts both providers down and must run during
// application teardown.
func InitProvider(_ context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "hibiki"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(name),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	exp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exp),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}, nil
}
