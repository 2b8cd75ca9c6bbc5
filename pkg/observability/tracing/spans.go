package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer name used by every span helper in this package.
const InstrumentationName = "github.com/nimburion/dlqreplay"

// SpanOperation represents a traced operation type.
type SpanOperation string

const (
	// SpanOperationReplay is one dead-letter replay invocation.
	SpanOperationReplay SpanOperation = "dlq.replay"

	// SpanOperationMsgReceive represents reading a dead-letter batch
	SpanOperationMsgReceive SpanOperation = "messaging.receive"
	// SpanOperationMsgPublish represents publishing a message
	SpanOperationMsgPublish SpanOperation = "messaging.publish"
	// SpanOperationMsgSettle represents acknowledging (completing) a message
	SpanOperationMsgSettle SpanOperation = "messaging.settle"

	// SpanOperationDBQuery represents a database query operation
	SpanOperationDBQuery SpanOperation = "db.query"
	// SpanOperationDBInsert represents a database insert operation
	SpanOperationDBInsert SpanOperation = "db.insert"
)

func tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// StartReplaySpan opens the root span of a replay invocation.
func StartReplaySpan(ctx context.Context, opts ...MessagingSpanOption) (context.Context, trace.Span) {
	spanOpts := &messagingSpanOptions{}
	for _, opt := range opts {
		opt(spanOpts)
	}
	ctx, span := tracer().Start(ctx, string(SpanOperationReplay), trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(spanOpts.attributes...)
	return ctx, span
}

// StartMessagingSpan creates a new span for a message broker operation.
func StartMessagingSpan(ctx context.Context, operation SpanOperation, opts ...MessagingSpanOption) (context.Context, trace.Span) {
	spanOpts := &messagingSpanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("messaging.operation", string(operation)),
		},
	}
	for _, opt := range opts {
		opt(spanOpts)
	}

	spanName := fmt.Sprintf("MSG %s", operation)
	if spanOpts.destination != "" {
		spanName = fmt.Sprintf("MSG %s %s", operation, spanOpts.destination)
	}

	spanKind := trace.SpanKindClient
	switch operation {
	case SpanOperationMsgReceive:
		spanKind = trace.SpanKindConsumer
	case SpanOperationMsgPublish:
		spanKind = trace.SpanKindProducer
	}

	ctx, span := tracer().Start(ctx, spanName, trace.WithSpanKind(spanKind))
	span.SetAttributes(spanOpts.attributes...)
	return ctx, span
}

// MessagingSpanOption configures a messaging span.
type MessagingSpanOption func(*messagingSpanOptions)

type messagingSpanOptions struct {
	destination string
	attributes  []attribute.KeyValue
}

// WithMessagingSystem sets the messaging system (e.g., "servicebus", "kafka").
func WithMessagingSystem(system string) MessagingSpanOption {
	return func(opts *messagingSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("messaging.system", system))
	}
}

// WithMessagingDestination sets the destination (topic, queue) name.
func WithMessagingDestination(destination string) MessagingSpanOption {
	return func(opts *messagingSpanOptions) {
		opts.destination = destination
		opts.attributes = append(opts.attributes, attribute.String("messaging.destination", destination))
	}
}

// WithMessagingSubscription sets the subscription whose dead-letter sub-queue is read.
func WithMessagingSubscription(subscription string) MessagingSpanOption {
	return func(opts *messagingSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("messaging.subscription", subscription))
	}
}

// WithMessagingMessageID sets the message ID.
func WithMessagingMessageID(messageID string) MessagingSpanOption {
	return func(opts *messagingSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("messaging.message_id", messageID))
	}
}

// WithMessagingPayloadSize sets the message payload size in bytes.
func WithMessagingPayloadSize(size int) MessagingSpanOption {
	return func(opts *messagingSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.Int("messaging.payload_size_bytes", size))
	}
}

// WithAttributes adds arbitrary attributes.
func WithAttributes(kv ...attribute.KeyValue) MessagingSpanOption {
	return func(opts *messagingSpanOptions) {
		opts.attributes = append(opts.attributes, kv...)
	}
}

// StartDatabaseSpan creates a new span for a database operation.
func StartDatabaseSpan(ctx context.Context, operation SpanOperation, table string) (context.Context, trace.Span) {
	spanName := fmt.Sprintf("DB %s", operation)
	if table != "" {
		spanName = fmt.Sprintf("DB %s %s", operation, table)
	}
	ctx, span := tracer().Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("db.operation", string(operation)),
		attribute.String("db.system", "postgresql"),
	)
	if table != "" {
		span.SetAttributes(attribute.String("db.table", table))
	}
	return ctx, span
}

// RecordError records an error in the current span and sets the span status to error.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess sets the span status to OK.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
