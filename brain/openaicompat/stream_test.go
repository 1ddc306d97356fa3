package openaicompat

import (
	"context"
	"strings"
	"testing"

	"github.com/nevindra/troupe"
)

// buildSSE constructs a mock SSE stream from data lines.
func buildSSE(lines ...string) string {
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// drainSSE runs streamSSE over the given lines and collects all chunks.
func drainSSE(t *testing.T, lines ...string) []troupe.Chunk {
	t.Helper()
	ch := make(chan troupe.Chunk, 32)
	err := streamSSE(context.Background(), strings.NewReader(buildSSE(lines...)), ch)
	if err != nil {
		t.Fatalf("streamSSE returned error: %v", err)
	}
	close(ch)
	var chunks []troupe.Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	return chunks
}

func TestStreamSSE_TextChunks(t *testing.T) {
	chunks := drainSSE(t,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"Hello"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":" world"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`,
		"[DONE]",
	)

	var text strings.Builder
	for _, c := range chunks[:len(chunks)-1] {
		if c.Kind != troupe.ChunkText {
			t.Fatalf("expected text chunk, got kind %d", c.Kind)
		}
		text.WriteString(c.Text)
	}
	if text.String() != "Hello world" {
		t.Errorf("expected content 'Hello world', got %q", text.String())
	}

	last := chunks[len(chunks)-1]
	if last.Kind != troupe.ChunkFinish {
		t.Fatalf("expected final chunk to be a finish, got kind %d", last.Kind)
	}
	if last.Finish != troupe.FinishStop {
		t.Errorf("expected finish reason stop, got %q", last.Finish)
	}
	if last.Usage == nil {
		t.Fatal("expected usage on finish chunk")
	}
	if last.Usage.InputTokens != 5 || last.Usage.OutputTokens != 3 {
		t.Errorf("expected usage 5/3, got %d/%d", last.Usage.InputTokens, last.Usage.OutputTokens)
	}
}

func TestStreamSSE_IndexedToolCalls(t *testing.T) {
	chunks := drainSSE(t,
		`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_abc","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`,
		`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\""}}]}}]}`,
		`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":":\"London\"}"}}]}}]}`,
		`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		"[DONE]",
	)

	var deltas []*troupe.ToolCallDelta
	for _, c := range chunks {
		if c.Kind == troupe.ChunkToolDelta {
			deltas = append(deltas, c.Tool)
		}
	}
	if len(deltas) != 3 {
		t.Fatalf("expected 3 tool deltas, got %d", len(deltas))
	}
	if deltas[0].Index != 0 || deltas[0].CallID != "call_abc" || deltas[0].Name != "get_weather" {
		t.Errorf("unexpected opening delta: %+v", deltas[0])
	}
	if deltas[1].Index != 0 || deltas[1].CallID != "" {
		t.Errorf("continuation delta should carry index only: %+v", deltas[1])
	}

	last := chunks[len(chunks)-1]
	if last.Kind != troupe.ChunkFinish || last.Finish != troupe.FinishToolCalls {
		t.Errorf("expected tool_calls finish, got kind %d reason %q", last.Kind, last.Finish)
	}
}

func TestStreamSSE_UnindexedToolCalls(t *testing.T) {
	// Some providers omit the index field and identify calls by ID on the
	// first fragment only. The delta must report Index -1 so the assembler
	// attributes continuations to the open call.
	chunks := drainSSE(t,
		`{"id":"c","choices":[{"index":0,"delta":{"tool_calls":[{"id":"call_x","type":"function","function":{"name":"search","arguments":"{\"q\""}}]}}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{"tool_calls":[{"function":{"arguments":":\"go\"}"}}]}}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		"[DONE]",
	)

	var deltas []*troupe.ToolCallDelta
	for _, c := range chunks {
		if c.Kind == troupe.ChunkToolDelta {
			deltas = append(deltas, c.Tool)
		}
	}
	if len(deltas) != 2 {
		t.Fatalf("expected 2 tool deltas, got %d", len(deltas))
	}
	if deltas[0].Index != -1 {
		t.Errorf("expected index -1 for unindexed delta, got %d", deltas[0].Index)
	}
	if deltas[0].CallID != "call_x" {
		t.Errorf("expected call_x, got %q", deltas[0].CallID)
	}
	if deltas[1].Index != -1 || deltas[1].CallID != "" {
		t.Errorf("continuation should carry neither index nor id: %+v", deltas[1])
	}
}

func TestStreamSSE_UsageOnlyChunk(t *testing.T) {
	// With stream_options.include_usage, usage arrives on a trailing chunk
	// with an empty choices array.
	chunks := drainSSE(t,
		`{"id":"c","choices":[{"index":0,"delta":{"content":"hi"}}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"c","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":1,"total_tokens":8}}`,
		"[DONE]",
	)

	last := chunks[len(chunks)-1]
	if last.Kind != troupe.ChunkFinish {
		t.Fatalf("expected finish chunk, got kind %d", last.Kind)
	}
	if last.Usage == nil || last.Usage.InputTokens != 7 || last.Usage.OutputTokens != 1 {
		t.Errorf("expected usage 7/1, got %+v", last.Usage)
	}
}

func TestStreamSSE_SkipsMalformedChunks(t *testing.T) {
	chunks := drainSSE(t,
		`{"id":"c","choices":[{"index":0,"delta":{"content":"a"}}]}`,
		`{not json`,
		`{"id":"c","choices":[{"index":0,"delta":{"content":"b"}}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		"[DONE]",
	)

	var text strings.Builder
	for _, c := range chunks {
		if c.Kind == troupe.ChunkText {
			text.WriteString(c.Text)
		}
	}
	if text.String() != "ab" {
		t.Errorf("expected 'ab', got %q", text.String())
	}
}

func TestStreamSSE_MissingFinishReasonMapsToStop(t *testing.T) {
	chunks := drainSSE(t,
		`{"id":"c","choices":[{"index":0,"delta":{"content":"done"}}]}`,
		"[DONE]",
	)
	last := chunks[len(chunks)-1]
	if last.Kind != troupe.ChunkFinish || last.Finish != troupe.FinishStop {
		t.Errorf("expected stop finish, got kind %d reason %q", last.Kind, last.Finish)
	}
}

func TestStreamSSE_ContextCancelStopsSends(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := make(chan troupe.Chunk) // unbuffered, nobody reading
	sse := buildSSE(`{"id":"c","choices":[{"index":0,"delta":{"content":"x"}}]}`, "[DONE]")
	err := streamSSE(ctx, strings.NewReader(sse), ch)
	if err == nil {
		t.Fatal("expected context error, got nil")
	}
}

func TestMapFinish(t *testing.T) {
	cases := []struct {
		in   string
		want troupe.FinishReason
	}{
		{"stop", troupe.FinishStop},
		{"tool_calls", troupe.FinishToolCalls},
		{"function_call", troupe.FinishToolCalls},
		{"length", troupe.FinishLength},
		{"content_filter", troupe.FinishContentFilter},
		{"", troupe.FinishStop},
		{"eos", troupe.FinishStop},
	}
	for _, tc := range cases {
		if got := mapFinish(tc.in); got != tc.want {
			t.Errorf("mapFinish(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
