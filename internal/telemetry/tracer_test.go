package telemetry

import (
	"context"
	"testing"
)

func TestZapTracer_LogAndSpanDoNotPanic(t *testing.T) {
	tr, err := NewZapTracer("evsnow-test", true, nil)
	if err != nil {
		t.Fatalf("NewZapTracer error: %v", err)
	}
	defer tr.Sync()

	tr.Log(LevelInfo, "hello", map[string]any{"count": 3})

	ctx, end := tr.Span(context.Background(), "ingest-batch", map[string]any{"mapping": "orders"})
	if ctx == nil {
		t.Fatalf("expected non-nil context from Span")
	}
	end()
}

func TestZapTracer_ImplementsTracerInterface(t *testing.T) {
	var _ Tracer = (*ZapTracer)(nil)
}
