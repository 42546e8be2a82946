// Package bus connects the gateway to NATS: presence events, the geospatial
// resolver and cross-gateway fan-out.
package bus

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/dkeye/Nearby/bus")

// headerCarrier adapts nats.Header to propagation.TextMapCarrier.
type headerCarrier nats.Header

var _ propagation.TextMapCarrier = headerCarrier{}

func (c headerCarrier) Get(key string) string { return nats.Header(c).Get(key) }

func (c headerCarrier) Set(key, value string) { nats.Header(c).Set(key, value) }

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func newMsg(ctx context.Context, subject string, data []byte) *nats.Msg {
	h := nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(h))
	return &nats.Msg{Subject: subject, Data: data, Header: h}
}

func startSpan(ctx context.Context, subject, op string, kind trace.SpanKind, size int) (context.Context, trace.Span) {
	return tracer.Start(ctx, subject+" "+op,
		trace.WithSpanKind(kind),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", subject),
			attribute.Int("messaging.message.payload_size_bytes", size),
		),
	)
}

// publish sends data with the trace context in the headers.
func publish(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	ctx, span := startSpan(ctx, subject, "publish", trace.SpanKindProducer, len(data))
	defer span.End()
	if err := nc.PublishMsg(newMsg(ctx, subject, data)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// request is a traced request bounded by ctx.
func request(ctx context.Context, nc *nats.Conn, subject string, data []byte) (*nats.Msg, error) {
	ctx, span := startSpan(ctx, subject, "request", trace.SpanKindClient, len(data))
	defer span.End()
	reply, err := nc.RequestMsgWithContext(ctx, newMsg(ctx, subject, data))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("messaging.message.response_size_bytes", len(reply.Data)))
	return reply, nil
}

// consumerContext restores the publisher's trace context from msg.
func consumerContext(msg *nats.Msg) (context.Context, trace.Span) {
	ctx := context.Background()
	if msg.Header != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier(msg.Header))
	}
	return startSpan(ctx, msg.Subject, "process", trace.SpanKindConsumer, len(msg.Data))
}
