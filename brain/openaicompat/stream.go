package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/nevindra/troupe"
)

// streamSSE reads an SSE stream from body and forwards each delta into ch
// as a troupe Chunk. Tool call fragments are passed through raw, one
// ChunkToolDelta per fragment; assembly happens on the consumer side. A
// single ChunkFinish carrying the finish reason and usage is sent when the
// stream ends cleanly.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func streamSSE(ctx context.Context, body io.Reader, ch chan<- troupe.Chunk) error {
	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	send := func(c troupe.Chunk) error {
		select {
		case ch <- c:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var finish string
	var usage *troupe.Usage

	for scanner.Scan() {
		line := scanner.Text()

		// SSE lines that carry data start with "data: ".
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		// End-of-stream sentinel.
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		// Usage arrives either on the last choice chunk or on a trailing
		// usage-only chunk, depending on the provider.
		if chunk.Usage != nil {
			usage = &troupe.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
		delta := choice.Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			if err := send(troupe.Chunk{Kind: troupe.ChunkText, Text: delta.Content}); err != nil {
				return err
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := -1
			if tc.Index != nil {
				idx = *tc.Index
			}
			err := send(troupe.Chunk{Kind: troupe.ChunkToolDelta, Tool: &troupe.ToolCallDelta{
				Index:  idx,
				CallID: tc.ID,
				Name:   tc.Function.Name,
				Args:   tc.Function.Arguments,
			}})
			if err != nil {
				return err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}

	return send(troupe.Chunk{Kind: troupe.ChunkFinish, Finish: mapFinish(finish), Usage: usage})
}

// mapFinish converts an OpenAI finish_reason string to a troupe
// FinishReason. Unknown values and streams that never reported a reason
// map to FinishStop; some providers omit the field on short completions.
func mapFinish(s string) troupe.FinishReason {
	switch s {
	case "", "stop":
		return troupe.FinishStop
	case "tool_calls", "function_call":
		return troupe.FinishToolCalls
	case "length":
		return troupe.FinishLength
	case "content_filter":
		return troupe.FinishContentFilter
	default:
		return troupe.FinishStop
	}
}
