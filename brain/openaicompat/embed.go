package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync/atomic"

	"github.com/nevindra/troupe"
)

// Embedder implements troupe.EmbeddingBrain over the OpenAI embeddings
// endpoint.
type Embedder struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	dims    int
	seen    atomic.Int64
}

var _ troupe.EmbeddingBrain = (*Embedder)(nil)

// EmbedderOption configures an Embedder.
type EmbedderOption func(*Embedder)

// WithEmbedderName sets the backend name returned by Name().
func WithEmbedderName(name string) EmbedderOption {
	return func(e *Embedder) { e.name = name }
}

// WithEmbedderHTTPClient sets a custom HTTP client.
func WithEmbedderHTTPClient(c *http.Client) EmbedderOption {
	return func(e *Embedder) { e.client = c }
}

// WithDimensions declares the embedding vector size up front. Without it,
// Dimensions returns 0 until the first successful Embed call.
func WithDimensions(n int) EmbedderOption {
	return func(e *Embedder) { e.dims = n }
}

// NewEmbedder creates an OpenAI-compatible embedding backend. The
// /embeddings path is appended to baseURL automatically.
func NewEmbedder(apiKey, model, baseURL string, opts ...EmbedderOption) *Embedder {
	e := &Embedder{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the backend name.
func (e *Embedder) Name() string { return e.name }

// Dimensions returns the embedding vector size: the configured value if
// set, otherwise the size observed on the first Embed call, otherwise 0.
func (e *Embedder) Dimensions() int {
	if e.dims > 0 {
		return e.dims
	}
	return int(e.seen.Load())
}

// Embed returns one embedding vector per input text, in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	brain := Brain{apiKey: e.apiKey, baseURL: e.baseURL, client: e.client, name: e.name, logger: nopLogger}
	resp, err := brain.sendHTTP(ctx, "/embeddings", EmbeddingRequest{
		Model:          e.model,
		Input:          texts,
		EncodingFormat: "float",
	})
	if err != nil {
		return nil, fmt.Errorf("%s: send request: %w", e.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpErr(resp)
	}

	var out EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", e.name, err)
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("%s: got %d embeddings for %d inputs", e.name, len(out.Data), len(texts))
	}

	// The API reports each vector's input position; order by it rather
	// than trusting response order.
	sort.Slice(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })

	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vecs[i] = d.Embedding
	}
	if len(vecs) > 0 && len(vecs[0]) > 0 {
		e.seen.Store(int64(len(vecs[0])))
	}
	return vecs, nil
}
