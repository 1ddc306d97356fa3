package troupe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusCreated   TaskStatus = "created"
	StatusRunning   TaskStatus = "running"
	StatusPaused    TaskStatus = "paused"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusStopped   TaskStatus = "stopped"
)

// IsTerminal reports whether the status is final. Terminal tasks never
// change status again.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// CanTransition reports whether the status machine allows from -> to.
// Terminal statuses are immutable.
func CanTransition(from, to TaskStatus) bool {
	if from.IsTerminal() {
		return false
	}
	switch from {
	case StatusCreated:
		return to == StatusRunning || to == StatusStopped || to == StatusFailed
	case StatusRunning:
		return to == StatusPaused || to == StatusCompleted || to == StatusFailed || to == StatusStopped
	case StatusPaused:
		return to == StatusRunning || to == StatusStopped || to == StatusFailed
	default:
		return false
	}
}

// PartKind discriminates the content kinds inside a step.
type PartKind string

const (
	PartText       PartKind = "text"
	PartToolCall   PartKind = "tool_call"
	PartToolResult PartKind = "tool_result"
)

// PartOrigin marks who produced a text part.
const (
	OriginAgent = "agent"
	OriginUser  = "user"
)

// Part is one piece of a step: agent text, a tool call, or a tool result.
// Injected user input appears as a text part with Origin "user".
type Part struct {
	Kind   PartKind        `json:"kind"`
	Text   string          `json:"text,omitempty"`
	Origin string          `json:"origin,omitempty"`
	Tool   *ToolInvocation `json:"tool,omitempty"`
}

// ToolInvocation records one tool call and its result inside a step.
type ToolInvocation struct {
	CallID     string          `json:"call_id"`
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     string          `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// Step is one agent turn: the parts it produced, token usage, and timing.
type Step struct {
	Index      int      `json:"index"`
	AgentName  string   `json:"agent_name"`
	Parts      []Part   `json:"parts"`
	Usage      Usage    `json:"usage"`
	Warnings   []string `json:"warnings,omitempty"`
	StartedAt  int64    `json:"started_at"`
	FinishedAt int64    `json:"finished_at"`
}

// FinalText returns the last agent text part of the step, or "".
func (s *Step) FinalText() string {
	for i := len(s.Parts) - 1; i >= 0; i-- {
		if s.Parts[i].Kind == PartText && s.Parts[i].Origin != OriginUser {
			return s.Parts[i].Text
		}
	}
	return ""
}

// Task is a unit of work driven through a team of agents.
type Task struct {
	ID           string         `json:"id"`
	Description  string         `json:"description"`
	Status       TaskStatus     `json:"status"`
	TeamName     string         `json:"team_name"`
	CurrentAgent string         `json:"current_agent"`
	History      []Step         `json:"history"`
	FinalAnswer  string         `json:"final_answer,omitempty"`
	FailReason   string         `json:"fail_reason,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ConfigHash   string         `json:"config_hash"`
	CreatedAt    int64          `json:"created_at"`
	UpdatedAt    int64          `json:"updated_at"`
}

// NewTask creates a task in the created state.
func NewTask(teamName, description, configHash string) *Task {
	now := NowUnix()
	return &Task{
		ID:          NewID(),
		Description: description,
		Status:      StatusCreated,
		TeamName:    teamName,
		ConfigHash:  configHash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// transition applies a status change, enforcing the state machine.
func (t *Task) transition(to TaskStatus) error {
	if !CanTransition(t.Status, to) {
		return NewError(KindInvalidState, "task %s: cannot transition %s -> %s", t.ID, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = NowUnix()
	return nil
}

// ConfigHash computes the canonical hash of a marshaled team config
// snapshot. Resume compares it against the stored hash to detect drift.
func ConfigHash(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
