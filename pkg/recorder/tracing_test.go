package recorder

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpansCarrySessionID(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	r, _, clk := newRecorder(t, nil)
	id := record(t, r, clk, 300*time.Millisecond)
	_, _ = r.LoadSession(context.Background(), id)
	_, _ = r.LoadSession(context.Background(), "missing")

	var names []string
	var loads, failed int
	for _, s := range sr.Ended() {
		names = append(names, s.Name())
		if s.Name() != "Recorder.LoadSession" {
			continue
		}
		loads++
		if len(s.Events()) > 0 {
			failed++
		}
		found := false
		for _, kv := range s.Attributes() {
			if kv.Key == attribute.Key("session.id") {
				found = true
			}
		}
		if !found {
			t.Fatalf("LoadSession span without session.id: %v", s.Attributes())
		}
	}
	want := map[string]bool{"Recorder.StartRecording": false, "Recorder.StopRecording": false}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, ok := range want {
		if !ok {
			t.Fatalf("missing span %s in %v", n, names)
		}
	}
	if loads != 2 || failed != 1 {
		t.Fatalf("loads=%d failed=%d want 2 and 1", loads, failed)
	}
}
