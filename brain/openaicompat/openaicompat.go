// Package openaicompat implements troupe.Brain and troupe.EmbeddingBrain
// over any OpenAI-compatible API.
//
// Works with OpenAI, OpenRouter, Groq, Together, Fireworks, DeepSeek,
// Mistral, Ollama, vLLM, LM Studio, Azure OpenAI, and any other provider
// that implements the chat completions and embeddings endpoints.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/nevindra/troupe"
)

// Brain streams chat completions from an OpenAI-compatible endpoint.
type Brain struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	logger  *slog.Logger
}

var _ troupe.Brain = (*Brain)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Option configures a Brain.
type Option func(*Brain)

// WithName sets the backend name returned by Name() (default "openai").
// Use this to distinguish backends in logs and observability.
func WithName(name string) Option {
	return func(b *Brain) { b.name = name }
}

// WithHTTPClient sets a custom HTTP client (e.g. for timeouts or proxies).
func WithHTTPClient(c *http.Client) Option {
	return func(b *Brain) { b.client = c }
}

// WithLogger sets a structured logger for request debugging.
func WithLogger(l *slog.Logger) Option {
	return func(b *Brain) { b.logger = l }
}

// New creates an OpenAI-compatible Brain.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically. model is the
// default model for requests that do not name one.
func New(apiKey, model, baseURL string, opts ...Option) *Brain {
	b := &Brain{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the backend name (default "openai", configurable via WithName).
func (b *Brain) Name() string { return b.name }

// Stream sends req as a streaming chat completion and forwards provider
// output into ch as troupe Chunks. The channel is closed when the stream
// ends, whether normally or on error. Non-2xx responses become
// *troupe.ErrHTTP so retry logic can inspect the status and Retry-After.
func (b *Brain) Stream(ctx context.Context, req troupe.ChatRequest, ch chan<- troupe.Chunk) error {
	defer close(ch)

	body := b.buildBody(req)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := b.sendHTTP(ctx, "/chat/completions", body)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", b.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return httpErr(resp)
	}

	b.logger.Debug("brain stream opened", "backend", b.name, "model", body.Model)
	return streamSSE(ctx, resp.Body, ch)
}

// buildBody converts a troupe ChatRequest into the wire format. Tool
// schemas pass through untouched: the registry already emits OpenAI-shape
// function objects.
func (b *Brain) buildBody(req troupe.ChatRequest) ChatRequest {
	model := req.Model
	if model == "" {
		model = b.model
	}

	msgs := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch {
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			tcs := make([]ToolCallRequest, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, ToolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			msg := Message{Role: "assistant", ToolCalls: tcs}
			if m.Content != "" {
				msg.Content = m.Content
			}
			msgs = append(msgs, msg)

		case m.Role == "tool":
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})

		default:
			msgs = append(msgs, Message{Role: m.Role, Content: m.Content})
		}
	}

	return ChatRequest{
		Model:       model,
		Messages:    msgs,
		Tools:       req.Tools,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}
}

// sendHTTP marshals body and posts it to the given endpoint path.
func (b *Brain) sendHTTP(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	return b.client.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP for retry logic.
// Parses the Retry-After header when present (429/503 responses).
func httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &troupe.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: troupe.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}
