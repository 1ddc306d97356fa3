package troupe

import (
	"context"
	"encoding/json"
)

// Brain abstracts the LLM backend behind a single streaming call. The Brain
// sends Chunks into ch as they arrive from the provider and closes ch when
// the stream ends, whether normally or on error. A stream that ends without
// a ChunkFinish is treated as FinishError by the consumer.
type Brain interface {
	// Stream sends req and forwards provider output into ch. The returned
	// error covers transport failures; provider-reported terminations
	// arrive as a ChunkFinish instead.
	Stream(ctx context.Context, req ChatRequest, ch chan<- Chunk) error
	// Name returns the backend name (e.g. "openai-compatible").
	Name() string
}

// EmbeddingBrain abstracts text embedding for memory backends.
type EmbeddingBrain interface {
	// Embed returns embedding vectors for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the backend name.
	Name() string
}

// BrainConfig carries per-agent generation settings. Zero values mean
// "provider default"; MaxContextTokens bounds the assembled history.
type BrainConfig struct {
	Model            string   `toml:"model" json:"model"`
	Temperature      *float64 `toml:"temperature" json:"temperature,omitempty"`
	TopP             *float64 `toml:"top_p" json:"top_p,omitempty"`
	MaxTokens        int      `toml:"max_tokens" json:"max_tokens,omitempty"`
	MaxContextTokens int      `toml:"max_context_tokens" json:"max_context_tokens,omitempty"`
}

// request builds a ChatRequest from the config and assembled messages.
func (c BrainConfig) request(messages []ChatMessage, tools []json.RawMessage) ChatRequest {
	return ChatRequest{
		Model:       c.Model,
		Messages:    messages,
		Tools:       tools,
		Temperature: c.Temperature,
		TopP:        c.TopP,
		MaxTokens:   c.MaxTokens,
	}
}
