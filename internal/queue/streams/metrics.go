package streams

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce sync.Once
	publishedMessages otelmetric.Int64Counter
	consumedMessages  otelmetric.Int64Counter
	droppedMessages   otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("agrirag/queue/streams")
	var err error
	publishedMessages, err = meter.Int64Counter(
		"stream_messages_published_total",
		otelmetric.WithDescription("Envelopes appended to Redis streams"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: stream_messages_published_total: %v", err)
	}
	consumedMessages, err = meter.Int64Counter(
		"stream_messages_consumed_total",
		otelmetric.WithDescription("Envelopes delivered to consumers"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: stream_messages_consumed_total: %v", err)
	}
	droppedMessages, err = meter.Int64Counter(
		"stream_messages_dropped_total",
		otelmetric.WithDescription("Stream entries acknowledged without delivery because they failed decoding or validation"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: stream_messages_dropped_total: %v", err)
	}
}

type streamEvent int

const (
	eventPublished streamEvent = iota
	eventConsumed
	eventDropped
)

func recordStreamMetrics(ctx context.Context, kind streamEvent, stream, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	var counter otelmetric.Int64Counter
	switch kind {
	case eventPublished:
		counter = publishedMessages
	case eventConsumed:
		counter = consumedMessages
	case eventDropped:
		counter = droppedMessages
	}
	if counter == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("stream", stream)}
	if eventType != "" {
		attrs = append(attrs, attribute.String("event_type", eventType))
	}
	counter.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(attrs...))
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
