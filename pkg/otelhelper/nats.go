package otelhelper

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("group-service")

// headerCarrier adapts nats.Header to propagation.TextMapCarrier.
type headerCarrier struct {
	header nats.Header
}

func (c *headerCarrier) Get(key string) string { return c.header.Get(key) }

func (c *headerCarrier) Set(key, value string) { c.header.Set(key, value) }

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.header))
	for k := range c.header {
		keys = append(keys, k)
	}
	return keys
}

func msgAttrs(subject string, size int) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("messaging.system", "nats"),
		attribute.String("messaging.destination.name", subject),
		attribute.Int("messaging.message.payload_size_bytes", size),
	)
}

// TracedPublish publishes data to subject inside a producer span, carrying
// the trace context in the message headers.
func TracedPublish(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	ctx, span := tracer.Start(ctx, subject+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		msgAttrs(subject, len(data)),
	)
	defer span.End()

	h := nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, &headerCarrier{header: h})
	err := nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: h})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// StartServerSpan continues the trace carried in a request message and opens
// a server span for handling it. The caller ends the span.
func StartServerSpan(ctx context.Context, msg *nats.Msg, operation string) (context.Context, trace.Span) {
	if msg.Header != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, &headerCarrier{header: msg.Header})
	}
	return tracer.Start(ctx, operation,
		trace.WithSpanKind(trace.SpanKindServer),
		msgAttrs(msg.Subject, len(msg.Data)),
	)
}
