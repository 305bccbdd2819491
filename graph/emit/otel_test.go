package emit

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorder(t *testing.T) (*OTelEmitter, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewOTelEmitter(tp.Tracer("test")), exporter
}

func attributeMap(attrs []attribute.KeyValue) map[string]interface{} {
	m := make(map[string]interface{}, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func TestOTelEmitter_Emit(t *testing.T) {
	emitter, exporter := newRecorder(t)

	now := time.Now()
	emitter.Emit(Event{
		ThreadID: "essay-1",
		Step:     2,
		NodeID:   "research_plan",
		Msg:      MsgNodeEnd,
		Time:     now,
		Meta: map[string]interface{}{
			"duration_ms": int64(250),
			"queries":     []string{"a", "b"},
			"next":        "generate",
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != MsgNodeEnd {
		t.Errorf("span name = %q, want %q", span.Name, MsgNodeEnd)
	}

	attrs := attributeMap(span.Attributes)
	if got := attrs["essaygraph.thread_id"]; got != "essay-1" {
		t.Errorf("thread_id = %v", got)
	}
	if got := attrs["essaygraph.step"]; got != int64(2) {
		t.Errorf("step = %v", got)
	}
	if got := attrs["essaygraph.next"]; got != "generate" {
		t.Errorf("next = %v", got)
	}
	if got, ok := attrs["essaygraph.queries"].([]string); !ok || len(got) != 2 {
		t.Errorf("queries = %v", attrs["essaygraph.queries"])
	}

	if d := span.EndTime.Sub(span.StartTime); d != 250*time.Millisecond {
		t.Errorf("span duration = %v, want 250ms", d)
	}
}

func TestOTelEmitter_EmitWithError(t *testing.T) {
	emitter, exporter := newRecorder(t)

	emitter.Emit(Event{
		ThreadID: "essay-1",
		NodeID:   "planner",
		Msg:      MsgNodeError,
		Meta:     map[string]interface{}{"error": "openai: rate limited"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status.Code)
	}
	if spans[0].Status.Description != "openai: rate limited" {
		t.Errorf("description = %q", spans[0].Status.Description)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected RecordError to add an exception event")
	}
}
