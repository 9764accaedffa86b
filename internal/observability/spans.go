package observability

import (
	"context"

	"github.com/signalsfoundry/lora-mesh-simulator/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used by every simulator span.
const TracerName = "github.com/signalsfoundry/lora-mesh-simulator"

// StartSpan starts a span for an internal operation. The run_id stored on
// ctx, if any, is attached as an attribute.
func StartSpan(ctx context.Context, name string, extra ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	attrs := make([]attribute.KeyValue, 0, len(extra)+1)
	if runID := logging.RunIDFromContext(ctx); runID != "" {
		attrs = append(attrs, attribute.String("run_id", runID))
	}
	attrs = append(attrs, extra...)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
