package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for relay spans.
var (
	AttrConnectionID = attribute.Key("relay.connection.id")
	AttrBucket       = attribute.Key("relay.connection.bucket")
	AttrChannel      = attribute.Key("relay.channel")
	AttrIntent       = attribute.Key("relay.intent")
	AttrInstanceID   = attribute.Key("relay.instance.id")
)

// StartServerSpan starts a span for an inbound connection or frame.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartProducerSpan starts a span for a bus publish.
func StartProducerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}
