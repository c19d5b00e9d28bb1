package pipeline

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// stageSpan opens a span for one chain stage. The global tracer provider
// is a no-op unless the boot sequence installed a real one, so stages
// cost nothing when tracing is off.
func stageSpan(ctx context.Context, stage string, req *Request) (context.Context, trace.Span) {
	ctx, span := otel.Tracer("sark/pipeline").Start(ctx, stage)
	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("request_id", req.RequestID()),
			attribute.String("capability_id", capabilityID(req)),
		)
	}
	return ctx, span
}
