package troupe

import "encoding/json"

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventTextDelta is an incremental chunk of assistant text.
	EventTextDelta StreamEventType = "text-delta"
	// EventToolCallStart fires just before a tool runs.
	EventToolCallStart StreamEventType = "tool-call-start"
	// EventToolCallResult carries a finished tool call's output.
	EventToolCallResult StreamEventType = "tool-call-result"
	// EventTurnStart fires when an agent turn begins.
	EventTurnStart StreamEventType = "turn-start"
	// EventTurnFinish fires when an agent turn completes.
	EventTurnFinish StreamEventType = "turn-finish"
	// EventHandoff fires when control moves to another agent.
	EventHandoff StreamEventType = "handoff"
)

// StreamEvent is a typed event emitted while a task runs. Consumers receive
// these on the channel passed to WithStream; the executor never closes the
// channel, so one channel can serve many tasks.
type StreamEvent struct {
	Type StreamEventType `json:"type"`
	// TaskID and Agent locate the event within the run.
	TaskID string `json:"task_id,omitempty"`
	Agent  string `json:"agent,omitempty"`
	// Name is the tool name on tool events and the target agent on handoff.
	Name string `json:"name,omitempty"`
	// Content carries the text delta or tool result.
	Content string `json:"content,omitempty"`
	// Args carries tool call arguments on tool-call-start.
	Args json.RawMessage `json:"args,omitempty"`
}
