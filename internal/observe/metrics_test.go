package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

// sumFor returns the value of the data point whose attribute key equals value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q: no data point with %s=%s", name, key, value)
	return 0
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"switchboard.workflow.duration", m.WorkflowDuration},
		{"switchboard.platform.send.duration", m.PlatformSendDuration},
		{"switchboard.translation.duration", m.TranslationDuration},
		{"switchboard.tool_execution.duration", m.ToolExecutionDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 4.5)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordInbound(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordInbound(ctx, "whatsapp", "handled")
	m.RecordInbound(ctx, "whatsapp", "handled")
	m.RecordInbound(ctx, "whatsapp", "duplicate")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "switchboard.inbound.events", "outcome", "handled"); got != 2 {
		t.Errorf("handled = %d, want 2", got)
	}
	if got := sumFor(t, rm, "switchboard.inbound.events", "outcome", "duplicate"); got != 1 {
		t.Errorf("duplicate = %d, want 1", got)
	}
}

func TestRecordOutbound(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordOutbound(ctx, "slack", "ok", 0.2)
	m.RecordOutbound(ctx, "slack", "error", 0.1)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "switchboard.outbound.messages", "status", "error"); got != 1 {
		t.Errorf("error count = %d, want 1", got)
	}
	met := findMetric(rm, "switchboard.platform.send.duration")
	if met == nil {
		t.Fatal("send duration histogram not found")
	}
	if got := met.Data.(metricdata.Histogram[float64]).DataPoints[0].Count; got != 2 {
		t.Errorf("send duration samples = %d, want 2", got)
	}
}

func TestRecordToolCallAndRateLimited(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordToolCall(ctx, "end_call", "ok", 0.01)
	m.RecordToolCall(ctx, "lookup_order", "error", 1.2)
	m.RecordRateLimited(ctx, "requests")
	m.RecordRateLimited(ctx, "concurrency")
	m.RecordRateLimited(ctx, "requests")
	m.RecordFeedback(ctx, "positive")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "switchboard.tool.calls", "tool", "lookup_order"); got != 1 {
		t.Errorf("lookup_order calls = %d, want 1", got)
	}
	if got := sumFor(t, rm, "switchboard.rate_limited", "gate", "requests"); got != 2 {
		t.Errorf("requests gate = %d, want 2", got)
	}
	if got := sumFor(t, rm, "switchboard.feedback", "rating", "positive"); got != 1 {
		t.Errorf("positive feedback = %d, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveCalls.Add(ctx, 1)
	m.ActiveCalls.Add(ctx, 1)
	m.TunnelPeers.Add(ctx, 2)
	m.TunnelPeers.Add(ctx, -1)
	m.OpenBreakers.Add(ctx, 1)

	rm := collect(t, reader)

	gauges := []struct {
		name string
		want int64
	}{
		{"switchboard.realtime.active_calls", 2},
		{"switchboard.tunnel.peers", 1},
		{"switchboard.breakers.open", 1},
	}

	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("gauge value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
