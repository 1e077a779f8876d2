// Package otel provides OpenTelemetry instrumentation utilities for the key-value store.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys used across the application.
// Using shared keys ensures consistent attribute naming in traces.
const (
	AttrRef         = attribute.Key("gitkv.ref")
	AttrKey         = attribute.Key("gitkv.key")
	AttrVersion     = attribute.Key("gitkv.version")
	AttrCacheHit    = attribute.Key("gitkv.cache_hit")
	AttrDefectCount = attribute.Key("gitkv.defect_count")
	AttrEntryCount  = attribute.Key("gitkv.entry_count")
	AttrUser        = attribute.Key("gitkv.user")
)

// StartSpan starts a new span if the tracer is non-nil, otherwise returns a no-op span.
// This provides graceful degradation when tracing is disabled.
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError records an error on a span and sets the span status to error.
// It safely handles nil spans and nil errors.
// Note: The status description is intentionally generic to keep stored
// content out of trace status. The full error details are still available
// via span events for debugging.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}
