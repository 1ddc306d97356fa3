package troupe

import "testing"

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		event   EventType
		want    bool
	}{
		{"*", EventTaskCreated, true},
		{"*", EventType("report.section_done"), true},
		{"task.*", EventTaskCreated, true},
		{"task.*", EventTaskStepCompleted, true},
		{"task.*", EventToolInvoked, false},
		{"task.*", EventType("task"), false},
		{"task.*", EventType("tasks.created"), false},
		{"tool.invoked", EventToolInvoked, true},
		{"tool.invoked", EventToolFailed, false},
		{"handoff.*", EventHandoffRouted, true},
	}
	for _, tt := range tests {
		if got := matchPattern(tt.pattern, tt.event); got != tt.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tt.pattern, tt.event, got, tt.want)
		}
	}
}

func TestNewEventStampsTimestamp(t *testing.T) {
	ev := newEvent(EventTaskCreated, "t1", "a1", map[string]any{"k": "v"})
	if ev.Type != EventTaskCreated || ev.TaskID != "t1" || ev.Agent != "a1" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Timestamp == 0 {
		t.Error("Timestamp not set")
	}
	if ev.Seq != 0 {
		t.Error("Seq must be zero until the bus stamps it")
	}
}

func TestEngineEventSetIsClosed(t *testing.T) {
	// Every const the executor and turn loop emit must be publishable.
	for _, typ := range []EventType{
		EventTaskCreated, EventTaskStarted, EventTaskPaused, EventTaskResumed,
		EventTaskCompleted, EventTaskFailed, EventTaskStopped,
		EventTaskStepCompleted, EventTaskConfigDrift,
		EventTurnStarted, EventTurnFinished,
		EventHandoffRouted,
		EventToolInvoked, EventToolSucceeded, EventToolFailed,
		EventMemoryAdded, EventMemorySearched,
	} {
		if !engineEvents[typ] {
			t.Errorf("engine event %s missing from the publishable set", typ)
		}
	}
}
