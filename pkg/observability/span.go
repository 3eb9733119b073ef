package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/butlerhq/butlers/pkg/errclass"
)

// tracerName identifies this instrumentation scope.
const tracerName = "github.com/butlerhq/butlers"

// SpanInfo carries the low-cardinality identity of one instrumented call.
type SpanInfo struct {
	Butler        string
	Tool          string
	TriggerSource string // schedule | route | tool | manual | api
	SourceChannel string // telegram | email | api | ""
}

// Span runs fn inside a span named after the tool and records the outcome on
// both the span and the prometheus tool metrics. The error is returned
// unchanged.
func Span(ctx context.Context, info SpanInfo, fn func(context.Context) error) error {
	tracer := otel.GetTracerProvider().Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "tool."+info.Tool, trace.WithAttributes(
		attribute.String("butler", info.Butler),
		attribute.String("tool_name", info.Tool),
		attribute.String("trigger_source", info.TriggerSource),
		attribute.String("source_channel", info.SourceChannel),
	))
	defer span.End()

	start := time.Now()
	err := fn(ctx)

	outcome, class := "ok", ""
	if err != nil {
		outcome = "error"
		class = string(errclass.ClassOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.String("outcome", outcome),
		attribute.String("error_class", class),
	)

	observeToolCall(info.Butler, info.Tool, outcome, class, time.Since(start))
	return err
}
