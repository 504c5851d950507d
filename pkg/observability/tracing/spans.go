// Package tracing provides OpenTelemetry spans for queue operations.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nimburion/sharedqueue/pkg/jobs"

// SpanOperation represents a traced queue operation.
type SpanOperation string

const (
	// SpanOperationEnqueue covers writing a job to a queue.
	SpanOperationEnqueue SpanOperation = "publish"
	// SpanOperationProcess covers one handler attempt.
	SpanOperationProcess SpanOperation = "process"
	// SpanOperationDeadLetter covers escalating a failure to the dead-letter queue.
	SpanOperationDeadLetter SpanOperation = "dead_letter"
)

// StartJobSpan starts a span named "<operation> <queue>" carrying messaging attributes.
func StartJobSpan(ctx context.Context, operation SpanOperation, opts ...JobSpanOption) (context.Context, trace.Span) {
	spanOpts := &jobSpanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("messaging.operation", string(operation)),
		},
	}
	for _, opt := range opts {
		opt(spanOpts)
	}

	spanName := string(operation)
	if spanOpts.queue != "" {
		spanName = fmt.Sprintf("%s %s", operation, spanOpts.queue)
	}

	kind := trace.SpanKindProducer
	if operation == SpanOperationProcess {
		kind = trace.SpanKindConsumer
	}

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, spanName, trace.WithSpanKind(kind))
	span.SetAttributes(spanOpts.attributes...)
	return ctx, span
}

// JobSpanOption configures a job span.
type JobSpanOption func(*jobSpanOptions)

type jobSpanOptions struct {
	queue      string
	attributes []attribute.KeyValue
}

// WithMessagingSystem sets the broker system, e.g. "redis".
func WithMessagingSystem(system string) JobSpanOption {
	return func(opts *jobSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("messaging.system", system))
	}
}

// WithQueue sets the destination queue.
func WithQueue(queue string) JobSpanOption {
	return func(opts *jobSpanOptions) {
		opts.queue = queue
		opts.attributes = append(opts.attributes, attribute.String("messaging.destination.name", queue))
	}
}

// WithJobID sets the message id attribute.
func WithJobID(id string) JobSpanOption {
	return func(opts *jobSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("messaging.message.id", id))
	}
}

// WithJobName sets the job name used for dispatch.
func WithJobName(name string) JobSpanOption {
	return func(opts *jobSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("job.name", name))
	}
}

// WithAttempt sets the 1-based attempt number.
func WithAttempt(attempt int) JobSpanOption {
	return func(opts *jobSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.Int("job.attempt", attempt))
	}
}

// WithPayloadSize sets the payload size in bytes.
func WithPayloadSize(size int) JobSpanOption {
	return func(opts *jobSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.Int("messaging.message.body.size", size))
	}
}

// RecordError records err on span and marks it failed.
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
