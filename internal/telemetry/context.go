package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// SpanContext returns the span context carried by ctx. The zero value is
// returned when ctx carries none; absence is normal for work that runs
// outside a request.
func SpanContext(ctx context.Context) trace.SpanContext {
	return trace.SpanContextFromContext(ctx)
}

// TraceID returns the hex trace id carried by ctx, or "" when ctx carries
// no valid span context.
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// SpanID returns the hex span id carried by ctx, or "" when ctx carries no
// valid span context.
func SpanID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.SpanID().String()
	}
	return ""
}
