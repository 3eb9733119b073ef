package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "butlers",
		Name:      "tool_calls_total",
		Help:      "Tool invocations by outcome.",
	}, []string{"butler", "tool_name", "outcome", "error_class"})

	toolDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "butlers",
		Name:      "tool_call_duration_seconds",
		Help:      "Tool invocation latency.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"butler", "tool_name", "outcome"})

	deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "butlers",
		Name:      "deliveries_total",
		Help:      "Outbound deliveries by terminal status.",
	}, []string{"channel", "intent", "status"})

	ingestEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "butlers",
		Name:      "ingest_events_total",
		Help:      "Switchboard ingest admissions by disposition.",
	}, []string{"channel", "disposition"})
)

func init() {
	registry.MustRegister(
		toolCalls, toolDuration, deliveries, ingestEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func observeToolCall(butler, tool, outcome, class string, elapsed time.Duration) {
	toolCalls.WithLabelValues(butler, tool, outcome, class).Inc()
	toolDuration.WithLabelValues(butler, tool, outcome).Observe(elapsed.Seconds())
}

// RecordDelivery counts one delivery reaching a terminal status.
func RecordDelivery(channel, intent, status string) {
	deliveries.WithLabelValues(channel, intent, status).Inc()
}

// RecordIngest counts one ingest admission. Disposition is one of accepted,
// deduped, shed, rejected.
func RecordIngest(channel, disposition string) {
	ingestEvents.WithLabelValues(channel, disposition).Inc()
}

// MetricsHandler serves the prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
