// Package tracing provides OpenTelemetry tracing for lock operations.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer scope used for lock spans.
const InstrumentationName = "github.com/nimburion/shedlock"

// SpanOperation represents a traced lock operation.
type SpanOperation string

const (
	// SpanOperationLock covers one acquisition attempt.
	SpanOperationLock SpanOperation = "lock.acquire"
	// SpanOperationUnlock covers a release.
	SpanOperationUnlock SpanOperation = "lock.release"
	// SpanOperationExtend covers an extension of a held lock.
	SpanOperationExtend SpanOperation = "lock.extend"
	// SpanOperationTask covers a task executed by the lock manager.
	SpanOperationTask SpanOperation = "lock.task"
)

// StartLockSpan creates a span for a lock operation on the named lock.
func StartLockSpan(ctx context.Context, operation SpanOperation, lockName string, opts ...LockSpanOption) (context.Context, trace.Span) {
	tracer := otel.Tracer(InstrumentationName)

	spanOpts := &lockSpanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("lock.operation", string(operation)),
			attribute.String("lock.name", lockName),
		},
	}
	for _, opt := range opts {
		opt(spanOpts)
	}

	kind := trace.SpanKindClient
	if operation == SpanOperationTask {
		kind = trace.SpanKindInternal
	}
	ctx, span := tracer.Start(ctx, fmt.Sprintf("%s %s", operation, lockName), trace.WithSpanKind(kind))
	span.SetAttributes(spanOpts.attributes...)
	return ctx, span
}

// LockSpanOption configures a lock span.
type LockSpanOption func(*lockSpanOptions)

type lockSpanOptions struct {
	attributes []attribute.KeyValue
}

// WithBackend sets the storage backend (e.g. "postgres", "mongo").
func WithBackend(backend string) LockSpanOption {
	return func(opts *lockSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("lock.backend", backend))
	}
}

// WithHolder sets the holder identity.
func WithHolder(holder string) LockSpanOption {
	return func(opts *lockSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("lock.holder", holder))
	}
}

// RecordAcquired marks whether the lock was obtained.
func RecordAcquired(span trace.Span, acquired bool) {
	span.SetAttributes(attribute.Bool("lock.acquired", acquired))
}

// RecordError records an error in the span and sets the span status to error.
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
