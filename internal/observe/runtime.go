package observe

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/vtforge/hibiki/pkg/audio"
	"github.com/vtforge/hibiki/pkg/bus"
	"github.com/vtforge/hibiki/pkg/llm"
)

// RegisterRuntimeObservers exposes the cumulative counters the bus, the LLM
// service, and the audio stream already track as observable instruments, so
// they land on /metrics without a second bookkeeping path. Any of the three
// sources may be nil. The returned registration must be unregistered on
// shutdown.
func RegisterRuntimeObservers(mp metric.MeterProvider, b *bus.Bus, svc *llm.Service, stream *audio.Stream) (metric.Registration, error) {
	meter := mp.Meter(meterName)

	busEmits, err := meter.Int64ObservableCounter("hibiki.bus.emits",
		metric.WithDescription("Events emitted per topic."))
	if err != nil {
		return nil, err
	}
	busErrors, err := meter.Int64ObservableCounter("hibiki.bus.handler.errors",
		metric.WithDescription("Handler failures per topic, panics included."))
	if err != nil {
		return nil, err
	}
	llmRequests, err := meter.Int64ObservableCounter("hibiki.llm.requests",
		metric.WithDescription("Chat requests per backend."))
	if err != nil {
		return nil, err
	}
	llmFailures, err := meter.Int64ObservableCounter("hibiki.llm.failures",
		metric.WithDescription("Failed chat requests per backend."))
	if err != nil {
		return nil, err
	}
	llmTokens, err := meter.Int64ObservableCounter("hibiki.llm.tokens",
		metric.WithDescription("Tokens consumed per backend, split by kind."))
	if err != nil {
		return nil, err
	}
	llmLatency, err := meter.Float64ObservableCounter("hibiki.llm.request.duration",
		metric.WithDescription("Total wall time spent in backend calls per backend."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	audioDelivered, err := meter.Int64ObservableCounter("hibiki.audio.chunks.delivered",
		metric.WithDescription("Audio events delivered per subscriber."))
	if err != nil {
		return nil, err
	}
	audioDropped, err := meter.Int64ObservableCounter("hibiki.audio.chunks.dropped",
		metric.WithDescription("Audio events dropped per subscriber on overflow."))
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if b != nil {
			for topic, st := range b.AllStats() {
				attrs := metric.WithAttributes(Attr("topic", topic))
				o.ObserveInt64(busEmits, int64(st.Emitted), attrs)
				o.ObserveInt64(busErrors, int64(st.Errors), attrs)
			}
		}
		if svc != nil {
			for name, u := range svc.UsageSummary() {
				attrs := metric.WithAttributes(Attr("backend", name))
				o.ObserveInt64(llmRequests, int64(u.Requests), attrs)
				o.ObserveInt64(llmFailures, int64(u.Failures), attrs)
				o.ObserveFloat64(llmLatency, u.TotalLatency.Seconds(), attrs)
				o.ObserveInt64(llmTokens, u.PromptTokens,
					metric.WithAttributes(Attr("backend", name), Attr("kind", "prompt")))
				o.ObserveInt64(llmTokens, u.CompletionTokens,
					metric.WithAttributes(Attr("backend", name), Attr("kind", "completion")))
			}
		}
		if stream != nil {
			for name, st := range stream.Stats() {
				o.ObserveInt64(audioDelivered, int64(st.Delivered),
					metric.WithAttributes(Attr("subscriber", name)))
				o.ObserveInt64(audioDropped, int64(st.Dropped),
					metric.WithAttributes(Attr("subscriber", name)))
			}
		}
		return nil
	}, busEmits, busErrors, llmRequests, llmFailures, llmTokens, llmLatency, audioDelivered, audioDropped)
}
