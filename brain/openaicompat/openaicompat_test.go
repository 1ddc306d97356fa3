package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nevindra/troupe"
)

func TestBrain_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected path /chat/completions, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "gpt-4o" {
			t.Errorf("expected model gpt-4o, got %s", req.Model)
		}
		if !req.Stream {
			t.Error("expected stream=true")
		}
		if req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Error("expected stream_options.include_usage=true")
		}
		if len(req.Tools) != 1 {
			t.Fatalf("expected 1 tool, got %d", len(req.Tools))
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, buildSSE(
			`{"id":"c","choices":[{"index":0,"delta":{"content":"Hi"}}]}`,
			`{"id":"c","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":4,"completion_tokens":1}}`,
			"[DONE]",
		))
	}))
	defer srv.Close()

	b := New("test-key", "gpt-4o", srv.URL)
	if b.Name() != "openai" {
		t.Errorf("expected default name openai, got %q", b.Name())
	}

	ch := make(chan troupe.Chunk, 8)
	err := b.Stream(context.Background(), troupe.ChatRequest{
		Messages: []troupe.ChatMessage{troupe.UserMessage("Hi")},
		Tools:    []json.RawMessage{json.RawMessage(`{"type":"function","function":{"name":"f"}}`)},
	}, ch)
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}

	var chunks []troupe.Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Kind != troupe.ChunkText || chunks[0].Text != "Hi" {
		t.Errorf("unexpected first chunk: %+v", chunks[0])
	}
	if chunks[1].Kind != troupe.ChunkFinish || chunks[1].Finish != troupe.FinishStop {
		t.Errorf("unexpected finish chunk: %+v", chunks[1])
	}
}

func TestBrain_StreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	b := New("k", "m", srv.URL)
	ch := make(chan troupe.Chunk, 1)
	err := b.Stream(context.Background(), troupe.ChatRequest{}, ch)
	if err == nil {
		t.Fatal("expected error for 429 response")
	}

	var he *troupe.ErrHTTP
	if !errors.As(err, &he) {
		t.Fatalf("expected ErrHTTP, got %T: %v", err, err)
	}
	if he.Status != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", he.Status)
	}
	if he.RetryAfter != 7*time.Second {
		t.Errorf("expected retry-after 7s, got %v", he.RetryAfter)
	}
	if !troupe.IsTransient(err) {
		t.Error("429 should be transient")
	}

	// Channel must be closed even on error.
	if _, open := <-ch; open {
		t.Error("expected channel to be closed after error")
	}
}

func TestBrain_StreamUsesDefaultModel(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		fmt.Fprint(w, buildSSE("[DONE]"))
	}))
	defer srv.Close()

	b := New("k", "llama3", srv.URL)
	ch := make(chan troupe.Chunk, 4)
	if err := b.Stream(context.Background(), troupe.ChatRequest{}, ch); err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}
	for range ch {
	}
	if gotModel != "llama3" {
		t.Errorf("expected default model llama3, got %q", gotModel)
	}
}

func TestBuildBody_MessageConversion(t *testing.T) {
	b := New("k", "m", "http://x")
	body := b.buildBody(troupe.ChatRequest{
		Messages: []troupe.ChatMessage{
			troupe.SystemMessage("be brief"),
			troupe.UserMessage("hi"),
			troupe.AssistantToolCalls([]troupe.ToolCall{
				{ID: "call_1", Name: "lookup", Args: json.RawMessage(`{"k":"v"}`)},
			}),
			troupe.ToolResultMessage("call_1", "result"),
			troupe.AssistantMessage("done"),
		},
	})

	if len(body.Messages) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(body.Messages))
	}
	if body.Messages[0].Role != "system" || body.Messages[0].Content != "be brief" {
		t.Errorf("unexpected system message: %+v", body.Messages[0])
	}

	tcMsg := body.Messages[2]
	if tcMsg.Role != "assistant" || len(tcMsg.ToolCalls) != 1 {
		t.Fatalf("unexpected tool-call message: %+v", tcMsg)
	}
	if tcMsg.ToolCalls[0].ID != "call_1" || tcMsg.ToolCalls[0].Type != "function" {
		t.Errorf("unexpected tool call: %+v", tcMsg.ToolCalls[0])
	}
	if tcMsg.ToolCalls[0].Function.Name != "lookup" || tcMsg.ToolCalls[0].Function.Arguments != `{"k":"v"}` {
		t.Errorf("unexpected function call: %+v", tcMsg.ToolCalls[0].Function)
	}
	if tcMsg.Content != nil {
		t.Errorf("expected no content alongside tool calls, got %v", tcMsg.Content)
	}

	toolMsg := body.Messages[3]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "call_1" || toolMsg.Content != "result" {
		t.Errorf("unexpected tool result message: %+v", toolMsg)
	}
}

func TestEmbedder_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("expected path /embeddings, got %s", r.URL.Path)
		}
		var req EmbeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "text-embedding-3-small" {
			t.Errorf("unexpected model %q", req.Model)
		}
		if len(req.Input) != 2 {
			t.Fatalf("expected 2 inputs, got %d", len(req.Input))
		}

		// Return vectors out of order to verify index-based sorting.
		json.NewEncoder(w).Encode(EmbeddingResponse{
			Data: []EmbeddingData{
				{Index: 1, Embedding: []float32{0.4, 0.5, 0.6}},
				{Index: 0, Embedding: []float32{0.1, 0.2, 0.3}},
			},
		})
	}))
	defer srv.Close()

	e := NewEmbedder("k", "text-embedding-3-small", srv.URL)
	if e.Dimensions() != 0 {
		t.Errorf("expected 0 dimensions before first call, got %d", e.Dimensions())
	}

	vecs, err := e.Embed(context.Background(), []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("Embed returned error: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vecs))
	}
	if vecs[0][0] != 0.1 {
		t.Errorf("vectors not ordered by index: %v", vecs)
	}
	if e.Dimensions() != 3 {
		t.Errorf("expected 3 dimensions after call, got %d", e.Dimensions())
	}
}

func TestEmbedder_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(EmbeddingResponse{
			Data: []EmbeddingData{{Index: 0, Embedding: []float32{1}}},
		})
	}))
	defer srv.Close()

	e := NewEmbedder("k", "m", srv.URL)
	if _, err := e.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("expected error on embedding count mismatch")
	}
}

func TestEmbedder_EmptyInput(t *testing.T) {
	e := NewEmbedder("k", "m", "http://unused")
	vecs, err := e.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("Embed returned error: %v", err)
	}
	if vecs != nil {
		t.Errorf("expected nil for empty input, got %v", vecs)
	}
}

func TestWithDimensions(t *testing.T) {
	e := NewEmbedder("k", "m", "http://x", WithDimensions(1536), WithEmbedderName("azure"))
	if e.Dimensions() != 1536 {
		t.Errorf("expected 1536, got %d", e.Dimensions())
	}
	if e.Name() != "azure" {
		t.Errorf("expected azure, got %q", e.Name())
	}
}
