// Package observe provides application-wide observability primitives for the
// gateway: OpenTelemetry metrics, distributed tracing, structured logging,
// error reporting, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is set up by [InitProvider] so that metrics can be scraped
// via the standard /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all gateway metrics.
const meterName = "github.com/MrWong99/switchboard"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// WorkflowDuration tracks workflow invocation latency. Attributes:
	//   attribute.String("integration", ...), attribute.String("status", ...)
	WorkflowDuration metric.Float64Histogram

	// PlatformSendDuration tracks outbound message delivery latency per
	// platform.
	PlatformSendDuration metric.Float64Histogram

	// TranslationDuration tracks translation latency.
	TranslationDuration metric.Float64Histogram

	// ToolExecutionDuration tracks realtime tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// InboundEvents counts webhook events. Attributes:
	//   attribute.String("platform", ...), attribute.String("outcome", ...)
	InboundEvents metric.Int64Counter

	// OutboundMessages counts replies sent. Attributes:
	//   attribute.String("platform", ...), attribute.String("status", ...)
	OutboundMessages metric.Int64Counter

	// RateLimited counts rejected requests by gate ("requests" or
	// "concurrency").
	RateLimited metric.Int64Counter

	// ToolCalls counts tool invocations by tool name and status.
	ToolCalls metric.Int64Counter

	// Feedback counts recorded feedback by rating.
	Feedback metric.Int64Counter

	// BargeIns counts caller interruptions during realtime calls.
	BargeIns metric.Int64Counter

	// Errors counts reported errors by component.
	Errors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks live realtime voice bridges.
	ActiveCalls metric.Int64UpDownCounter

	// TunnelPeers tracks websocket peers attached to the socket tunnel.
	TunnelPeers metric.Int64UpDownCounter

	// OpenBreakers tracks circuit breakers currently not closed.
	OpenBreakers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Workflow
// runs can take tens of seconds, so the tail is wider than a typical HTTP
// service.
var latencyBuckets = []float64{
	0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histogram := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	if met.WorkflowDuration, err = histogram("switchboard.workflow.duration",
		"Latency of workflow invocations."); err != nil {
		return nil, err
	}
	if met.PlatformSendDuration, err = histogram("switchboard.platform.send.duration",
		"Latency of outbound platform deliveries."); err != nil {
		return nil, err
	}
	if met.TranslationDuration, err = histogram("switchboard.translation.duration",
		"Latency of text translation."); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = histogram("switchboard.tool_execution.duration",
		"Latency of realtime tool execution."); err != nil {
		return nil, err
	}

	if met.InboundEvents, err = m.Int64Counter("switchboard.inbound.events",
		metric.WithDescription("Inbound webhook events by platform and outcome."),
	); err != nil {
		return nil, err
	}
	if met.OutboundMessages, err = m.Int64Counter("switchboard.outbound.messages",
		metric.WithDescription("Outbound replies by platform and status."),
	); err != nil {
		return nil, err
	}
	if met.RateLimited, err = m.Int64Counter("switchboard.rate_limited",
		metric.WithDescription("Requests rejected by the rate limiter, by gate."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("switchboard.tool.calls",
		metric.WithDescription("Tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.Feedback, err = m.Int64Counter("switchboard.feedback",
		metric.WithDescription("Recorded feedback by rating."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("switchboard.realtime.barge_ins",
		metric.WithDescription("Caller interruptions of assistant speech."),
	); err != nil {
		return nil, err
	}
	if met.Errors, err = m.Int64Counter("switchboard.errors",
		metric.WithDescription("Reported errors by component."),
	); err != nil {
		return nil, err
	}

	if met.ActiveCalls, err = m.Int64UpDownCounter("switchboard.realtime.active_calls",
		metric.WithDescription("Number of live realtime voice bridges."),
	); err != nil {
		return nil, err
	}
	if met.TunnelPeers, err = m.Int64UpDownCounter("switchboard.tunnel.peers",
		metric.WithDescription("Number of websocket peers attached to the tunnel."),
	); err != nil {
		return nil, err
	}
	if met.OpenBreakers, err = m.Int64UpDownCounter("switchboard.breakers.open",
		metric.WithDescription("Number of circuit breakers not in the closed state."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("switchboard.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordInbound records one inbound webhook event.
func (m *Metrics) RecordInbound(ctx context.Context, platform, outcome string) {
	m.InboundEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("platform", platform),
		attribute.String("outcome", outcome),
	))
}

// RecordOutbound records one outbound delivery attempt and its latency.
func (m *Metrics) RecordOutbound(ctx context.Context, platform, status string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("platform", platform))
	m.PlatformSendDuration.Record(ctx, seconds, attrs)
	m.OutboundMessages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("platform", platform),
		attribute.String("status", status),
	))
}

// RecordWorkflow records one workflow invocation.
func (m *Metrics) RecordWorkflow(ctx context.Context, integration, status string, seconds float64) {
	m.WorkflowDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("integration", integration),
		attribute.String("status", status),
	))
}

// RecordRateLimited records one rejection by the named gate.
func (m *Metrics) RecordRateLimited(ctx context.Context, gate string) {
	m.RateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("gate", gate)))
}

// RecordToolCall records one tool invocation and its latency.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, seconds float64) {
	m.ToolExecutionDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("tool", tool)))
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	))
}

// RecordFeedback records one feedback rating.
func (m *Metrics) RecordFeedback(ctx context.Context, rating string) {
	m.Feedback.Add(ctx, 1, metric.WithAttributes(attribute.String("rating", rating)))
}
