// Package observe provides application-wide observability primitives for
// the bridge: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all bridge metrics.
const meterName = "github.com/voxbridge/bridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// UpstreamConnectDuration tracks how long bootstrapping an ephemeral
	// upstream credential and opening the realtime session takes.
	UpstreamConnectDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool dispatch latency, from the model's
	// function_call event to the tool_result being sent back upstream.
	ToolExecutionDuration metric.Float64Histogram

	// CallDuration tracks total call duration from AcceptCall to EndCall.
	CallDuration metric.Float64Histogram

	// --- Counters ---

	// CallsTotal counts calls by terminal status. Use with attribute:
	//   attribute.String("status", ...) // completed, failed, transferred
	CallsTotal metric.Int64Counter

	// UpstreamReconnects counts automatic upstream reconnection attempts.
	UpstreamReconnects metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// BusEventsPublished counts events published to the control bus. Use
	// with attribute: attribute.String("channel", ...)
	BusEventsPublished metric.Int64Counter

	// --- Error counters ---

	// UpstreamErrors counts upstream protocol errors. Use with attribute:
	//   attribute.String("kind", ...)
	UpstreamErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live calls currently bridged to
	// the upstream model.
	ActiveSessions metric.Int64UpDownCounter

	// --- Cost ---

	// CostTotal accumulates estimated billed cost (in USD) by tenant. Use
	// with attribute: attribute.String("tenant_id", ...)
	CostTotal metric.Float64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callDurationBuckets defines histogram bucket boundaries (in seconds) for
// whole-call durations, which run far longer than a single turn.
var callDurationBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.UpstreamConnectDuration, err = m.Float64Histogram("bridge.upstream.connect.duration",
		metric.WithDescription("Latency of bootstrapping an upstream credential and opening a realtime session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("bridge.tool_execution.duration",
		metric.WithDescription("Latency of tool dispatch, from function_call to tool_result."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("bridge.call.duration",
		metric.WithDescription("Total call duration from accept to end."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callDurationBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CallsTotal, err = m.Int64Counter("bridge.calls.total",
		metric.WithDescription("Total calls by terminal status."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamReconnects, err = m.Int64Counter("bridge.upstream.reconnects",
		metric.WithDescription("Total automatic upstream reconnection attempts."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("bridge.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.BusEventsPublished, err = m.Int64Counter("bridge.bus.events_published",
		metric.WithDescription("Total events published to the control bus by channel."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.UpstreamErrors, err = m.Int64Counter("bridge.upstream.errors",
		metric.WithDescription("Total upstream protocol errors by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("bridge.active_sessions",
		metric.WithDescription("Number of calls currently bridged to the upstream model."),
	); err != nil {
		return nil, err
	}

	// Cost.
	if met.CostTotal, err = m.Float64Counter("bridge.cost.total",
		metric.WithDescription("Estimated billed cost in USD by tenant."),
		metric.WithUnit("{USD}"),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("bridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordCall is a convenience method that records a completed call: its
// terminal status and total duration.
func (m *Metrics) RecordCall(ctx context.Context, status string, duration float64) {
	m.CallsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.CallDuration.Record(ctx, duration)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordUpstreamError is a convenience method that records an upstream
// protocol error counter increment.
func (m *Metrics) RecordUpstreamError(ctx context.Context, kind string) {
	m.UpstreamErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordBusEvent is a convenience method that records a published control
// bus event.
func (m *Metrics) RecordBusEvent(ctx context.Context, channel string) {
	m.BusEventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

// RecordCost is a convenience method that adds to the running cost total for
// a tenant.
func (m *Metrics) RecordCost(ctx context.Context, tenantID string, amountUSD float64) {
	m.CostTotal.Add(ctx, amountUSD, metric.WithAttributes(attribute.String("tenant_id", tenantID)))
}
