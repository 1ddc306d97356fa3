package troupe

import "encoding/json"

// --- LLM protocol types ---

type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type ChatRequest struct {
	Model       string            `json:"model,omitempty"`
	Messages    []ChatMessage     `json:"messages"`
	Tools       []json.RawMessage `json:"tools,omitempty"` // OpenAI-shape function schemas
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// --- Streaming chunk protocol ---

// ChunkKind discriminates the three chunk shapes a Brain may emit.
type ChunkKind int

const (
	ChunkText ChunkKind = iota
	ChunkToolDelta
	ChunkFinish
)

// FinishReason reports why a Brain stream ended.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

// Chunk is one unit of a Brain stream. Text chunks carry a content delta,
// tool chunks carry a ToolCallDelta fragment, and the final chunk carries
// the finish reason plus usage when the provider reports it.
type Chunk struct {
	Kind   ChunkKind
	Text   string
	Tool   *ToolCallDelta
	Finish FinishReason
	Usage  *Usage
}

// ToolCallDelta is an incremental fragment of a streamed tool call.
// Providers that number calls set Index >= 0; providers that only identify
// the first fragment of a call leave Index at -1 and set CallID once.
type ToolCallDelta struct {
	Index  int
	CallID string
	Name   string
	Args   string
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func AssistantToolCalls(calls []ToolCall) ChatMessage {
	return ChatMessage{Role: "assistant", ToolCalls: calls}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
