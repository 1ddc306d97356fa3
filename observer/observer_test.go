package observer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nevindra/troupe"
)

// mockBrain scripts one stream of chunks for observer tests.
type mockBrain struct {
	name   string
	chunks []troupe.Chunk
	err    error
}

func (m *mockBrain) Name() string { return m.name }

func (m *mockBrain) Stream(_ context.Context, _ troupe.ChatRequest, ch chan<- troupe.Chunk) error {
	for _, c := range m.chunks {
		ch <- c
	}
	close(ch)
	return m.err
}

// mockEmbedder for observer tests.
type mockEmbedder struct {
	name string
	dims int
	vecs [][]float32
	err  error
}

func (m *mockEmbedder) Name() string    { return m.name }
func (m *mockEmbedder) Dimensions() int { return m.dims }
func (m *mockEmbedder) Embed(_ context.Context, _ []string) ([][]float32, error) {
	return m.vecs, m.err
}

// testInstruments creates Instruments against the global OTEL providers
// (no-ops by default). Safe for testing delegation without a backend.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments(nil)
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

func TestObservedBrainName(t *testing.T) {
	ob := WrapBrain(&mockBrain{name: "test-brain"}, testInstruments(t))
	if got := ob.Name(); got != "test-brain" {
		t.Errorf("Name() = %q, want %q", got, "test-brain")
	}
}

func TestObservedBrainForwardsChunks(t *testing.T) {
	usage := troupe.Usage{InputTokens: 10, OutputTokens: 5}
	inner := &mockBrain{name: "b", chunks: []troupe.Chunk{
		{Kind: troupe.ChunkText, Text: "hello"},
		{Kind: troupe.ChunkText, Text: " world"},
		{Kind: troupe.ChunkFinish, Finish: troupe.FinishStop, Usage: &usage},
	}}
	ob := WrapBrain(inner, testInstruments(t))

	ch := make(chan troupe.Chunk, 8)
	if err := ob.Stream(context.Background(), troupe.ChatRequest{Model: "m"}, ch); err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}

	var got []troupe.Chunk
	for c := range ch {
		got = append(got, c)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks forwarded, got %d", len(got))
	}
	if got[0].Text != "hello" || got[2].Kind != troupe.ChunkFinish {
		t.Errorf("chunks not forwarded in order: %+v", got)
	}
}

func TestObservedBrainPropagatesError(t *testing.T) {
	wantErr := errors.New("backend unavailable")
	ob := WrapBrain(&mockBrain{name: "b", err: wantErr}, testInstruments(t))

	ch := make(chan troupe.Chunk, 1)
	err := ob.Stream(context.Background(), troupe.ChatRequest{}, ch)
	if !errors.Is(err, wantErr) {
		t.Errorf("Stream error = %v, want %v", err, wantErr)
	}
	if _, open := <-ch; open {
		t.Error("expected channel closed after error")
	}
}

func TestObservedEmbedderDelegates(t *testing.T) {
	inner := &mockEmbedder{name: "e", dims: 3, vecs: [][]float32{{1, 2, 3}}}
	oe := WrapEmbedder(inner, testInstruments(t))

	if oe.Name() != "e" || oe.Dimensions() != 3 {
		t.Errorf("delegation broken: name=%q dims=%d", oe.Name(), oe.Dimensions())
	}
	vecs, err := oe.Embed(context.Background(), []string{"x"})
	if err != nil {
		t.Fatalf("Embed returned error: %v", err)
	}
	if len(vecs) != 1 || len(vecs[0]) != 3 {
		t.Errorf("unexpected vectors: %v", vecs)
	}
}

func TestObservedEmbedderPropagatesError(t *testing.T) {
	wantErr := errors.New("embed failed")
	oe := WrapEmbedder(&mockEmbedder{name: "e", err: wantErr}, testInstruments(t))

	_, err := oe.Embed(context.Background(), []string{"x"})
	if !errors.Is(err, wantErr) {
		t.Errorf("Embed error = %v, want %v", err, wantErr)
	}
}

func TestBusObserverConsumesEvents(t *testing.T) {
	bus := troupe.NewBus()
	obs := ObserveBus(bus, testInstruments(t))

	events := []troupe.EventType{
		troupe.EventTaskStarted,
		troupe.EventTurnStarted,
		troupe.EventTurnFinished,
		troupe.EventToolSucceeded,
		troupe.EventMemoryAdded,
		troupe.EventTaskCompleted,
	}
	for _, et := range events {
		if err := bus.Publish(troupe.Event{Type: et, TaskID: "t1", Payload: map[string]any{
			"tool": "f", "duration_ms": int64(5), "kind": "text",
		}}); err != nil {
			t.Fatalf("Publish(%s) returned error: %v", et, err)
		}
	}

	if err := bus.Close(time.Second); err != nil {
		t.Fatalf("bus close: %v", err)
	}
	obs.Stop()
}

func TestBusObserverStopDetaches(t *testing.T) {
	bus := troupe.NewBus()
	obs := ObserveBus(bus, testInstruments(t))
	obs.Stop()

	// Publishing after Stop must not block or panic.
	if err := bus.Publish(troupe.Event{Type: troupe.EventTaskStarted, TaskID: "t1"}); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if err := bus.Close(time.Second); err != nil {
		t.Fatalf("bus close: %v", err)
	}
}

func TestNewTracerSpans(t *testing.T) {
	tr := NewTracer()
	ctx, span := tr.Start(context.Background(), "test.op",
		troupe.StringAttr("k", "v"),
		troupe.IntAttr("n", 42),
		troupe.BoolAttr("b", true),
		troupe.Float64Attr("f", 1.5),
	)
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	span.SetAttr(troupe.StringAttr("later", "x"))
	span.Event("checkpoint", troupe.IntAttr("step", 1))
	span.Error(errors.New("boom"))
	span.End()
}
