package telemetry

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Span names emitted by the pipeline.
const (
	SpanAdvance = "orchestrator.advance"
	SpanFanOut  = "review.fanout"
	SpanRepair  = "repair.run"
)

// TestTelemetry records spans in memory.
type TestTelemetry struct {
	*Telemetry

	SpanRecorder *tracetest.SpanRecorder
}

// NewTestTelemetry returns enabled telemetry backed by a span recorder.
// Nothing is installed globally.
func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	recorder := tracetest.NewSpanRecorder()
	return &TestTelemetry{
		Telemetry: &Telemetry{
			config:         cfg,
			tracerProvider: trace.NewTracerProvider(trace.WithSpanProcessor(recorder)),
		},
		SpanRecorder: recorder,
	}
}

// Spans returns every ended span, in end order.
func (t *TestTelemetry) Spans() []trace.ReadOnlySpan {
	return t.SpanRecorder.Ended()
}

// SpansNamed returns the ended spans called name whose attributes include
// every key/value in match.
func (t *TestTelemetry) SpansNamed(name string, match ...attribute.KeyValue) []trace.ReadOnlySpan {
	var out []trace.ReadOnlySpan
	for _, span := range t.Spans() {
		if span.Name() == name && hasAll(span, match) {
			out = append(out, span)
		}
	}
	return out
}

// AdvanceSpans returns the orchestrator.advance spans for taskID.
func (t *TestTelemetry) AdvanceSpans(taskID string) []trace.ReadOnlySpan {
	return t.SpansNamed(SpanAdvance, attribute.String("task.id", taskID))
}

// FanOutSpan returns the single review.fanout span for phase, failing tb
// when there is not exactly one.
func (t *TestTelemetry) FanOutSpan(tb testing.TB, phase string) trace.ReadOnlySpan {
	tb.Helper()
	return t.only(tb, SpanFanOut, attribute.String("phase", phase))
}

// RepairSpans returns the repair.run spans for phase.
func (t *TestTelemetry) RepairSpans(phase string) []trace.ReadOnlySpan {
	return t.SpansNamed(SpanRepair, attribute.String("phase", phase))
}

// AssertAttributes checks that span carries every attribute in want.
// Integer attributes compare as int64.
func AssertAttributes(tb testing.TB, span trace.ReadOnlySpan, want map[string]any) {
	tb.Helper()
	got := Attributes(span)
	for key, v := range want {
		if val, ok := got[key]; !ok {
			tb.Errorf("span %q missing attribute %q", span.Name(), key)
		} else if val != v {
			tb.Errorf("span %q attribute %q: got %v (%T), want %v (%T)", span.Name(), key, val, val, v, v)
		}
	}
}

// Attributes flattens the span's attributes into Go values.
func Attributes(span trace.ReadOnlySpan) map[string]any {
	out := make(map[string]any, len(span.Attributes()))
	for _, kv := range span.Attributes() {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func (t *TestTelemetry) only(tb testing.TB, name string, match ...attribute.KeyValue) trace.ReadOnlySpan {
	tb.Helper()
	spans := t.SpansNamed(name, match...)
	if len(spans) != 1 {
		tb.Fatalf("want one %q span matching %v, got %d of %v", name, match, len(spans), t.names())
	}
	return spans[0]
}

func (t *TestTelemetry) names() []string {
	spans := t.Spans()
	names := make([]string, len(spans))
	for i, span := range spans {
		names[i] = span.Name()
	}
	return names
}

func hasAll(span trace.ReadOnlySpan, match []attribute.KeyValue) bool {
	for _, m := range match {
		found := false
		for _, kv := range span.Attributes() {
			if kv.Key == m.Key && kv.Value == m.Value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
