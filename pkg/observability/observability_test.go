package observability

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/butlerhq/butlers/pkg/errclass"
)

func installTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return exporter
}

func spanAttr(spans tracetest.SpanStubs, key string) string {
	for _, attr := range spans[0].Attributes {
		if attr.Key == attribute.Key(key) {
			return attr.Value.AsString()
		}
	}
	return ""
}

func TestSpanRecordsSuccess(t *testing.T) {
	exporter := installTestTracer(t)

	info := SpanInfo{Butler: "garden", Tool: "memory_context", TriggerSource: "tool"}
	err := Span(context.Background(), info, func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "tool.memory_context", spans[0].Name)
	assert.Equal(t, "garden", spanAttr(spans, "butler"))
	assert.Equal(t, "ok", spanAttr(spans, "outcome"))
	assert.Empty(t, spanAttr(spans, "error_class"))
}

func TestSpanRecordsErrorClass(t *testing.T) {
	exporter := installTestTracer(t)

	info := SpanInfo{Butler: "garden", Tool: "user_email_send", TriggerSource: "route", SourceChannel: "email"}
	wantErr := errclass.New(errclass.TargetUnavailable, "smtp down")
	err := Span(context.Background(), info, func(ctx context.Context) error { return wantErr })
	require.ErrorIs(t, err, wantErr)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "error", spanAttr(spans, "outcome"))
	assert.Equal(t, "target_unavailable", spanAttr(spans, "error_class"))
	assert.Equal(t, "email", spanAttr(spans, "source_channel"))
}

func TestSpanIncrementsToolCounter(t *testing.T) {
	installTestTracer(t)

	before := testutil.ToFloat64(toolCalls.WithLabelValues("garden", "memory_forget", "ok", ""))
	err := Span(context.Background(),
		SpanInfo{Butler: "garden", Tool: "memory_forget", TriggerSource: "tool"},
		func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	after := testutil.ToFloat64(toolCalls.WithLabelValues("garden", "memory_forget", "ok", ""))
	assert.Equal(t, before+1, after)
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	RecordDelivery("telegram", "send", "succeeded")
	RecordIngest("telegram", "accepted")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "butlers_deliveries_total")
	assert.Contains(t, body, "butlers_ingest_events_total")
}

func TestTraceInjectExtractRoundTrip(t *testing.T) {
	installTestTracer(t)

	ctx := context.Background()
	err := Span(ctx, SpanInfo{Butler: "switchboard", Tool: "route_dispatch", TriggerSource: "route"},
		func(inner context.Context) error {
			traceparent, _ := InjectTrace(inner)
			require.NotEmpty(t, traceparent)

			resumed := ExtractTrace(context.Background(), traceparent, "")
			outParent, _ := InjectTrace(resumed)
			// Same trace id travels across the hop.
			assert.Equal(t, traceparent[:36], outParent[:36])
			return nil
		})
	require.NoError(t, err)
}

func TestExtractTraceNoopWithoutHeader(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, ExtractTrace(ctx, "", ""))
}
