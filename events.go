package troupe

import "strings"

// EventType names one orchestrator event. The engine set is closed: the
// executor, turn loop, and memory decorator emit only these. Custom types
// enter the set solely through auto-emit rule registration.
type EventType string

const (
	EventTaskCreated       EventType = "task.created"
	EventTaskStarted       EventType = "task.started"
	EventTaskPaused        EventType = "task.paused"
	EventTaskResumed       EventType = "task.resumed"
	EventTaskCompleted     EventType = "task.completed"
	EventTaskFailed        EventType = "task.failed"
	EventTaskStopped       EventType = "task.stopped"
	EventTaskStepCompleted EventType = "task.step_completed"
	EventTaskConfigDrift   EventType = "task.config_drift"
	EventTurnStarted       EventType = "agent.turn_started"
	EventTurnFinished      EventType = "agent.turn_finished"
	EventHandoffRouted     EventType = "handoff.routed"
	EventToolInvoked       EventType = "tool.invoked"
	EventToolSucceeded     EventType = "tool.succeeded"
	EventToolFailed        EventType = "tool.failed"
	EventMemoryAdded       EventType = "memory.added"
	EventMemorySearched    EventType = "memory.searched"
)

var engineEvents = map[EventType]bool{
	EventTaskCreated:       true,
	EventTaskStarted:       true,
	EventTaskPaused:        true,
	EventTaskResumed:       true,
	EventTaskCompleted:     true,
	EventTaskFailed:        true,
	EventTaskStopped:       true,
	EventTaskStepCompleted: true,
	EventTaskConfigDrift:   true,
	EventTurnStarted:       true,
	EventTurnFinished:      true,
	EventHandoffRouted:     true,
	EventToolInvoked:       true,
	EventToolSucceeded:     true,
	EventToolFailed:        true,
	EventMemoryAdded:       true,
	EventMemorySearched:    true,
}

// Event is one orchestrator occurrence. Seq is stamped by the bus at
// publish time and is monotonic per bus; Timestamp is Unix milliseconds.
type Event struct {
	Type      EventType      `json:"type"`
	TaskID    string         `json:"task_id,omitempty"`
	Agent     string         `json:"agent,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Seq       uint64         `json:"seq"`
	Timestamp int64          `json:"timestamp"`
}

// newEvent stamps the creation time; the bus assigns Seq.
func newEvent(t EventType, taskID, agent string, payload map[string]any) Event {
	return Event{
		Type:      t,
		TaskID:    taskID,
		Agent:     agent,
		Payload:   payload,
		Timestamp: NowUnix(),
	}
}

// matchPattern reports whether an event type matches a subscription
// pattern: "*" matches everything, "prefix.*" matches the prefix, anything
// else matches exactly.
func matchPattern(pattern string, t EventType) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		s := string(t)
		return strings.HasPrefix(s, prefix+".")
	}
	return string(t) == pattern
}
