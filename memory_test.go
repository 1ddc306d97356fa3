package troupe

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNopMemory(t *testing.T) {
	var m NopMemory
	ctx := context.Background()

	id, err := m.Add(ctx, MemoryItem{ID: "m1", Content: "x"})
	if err != nil || id != "m1" {
		t.Errorf("Add = %q, %v", id, err)
	}
	if got, _ := m.Search(ctx, MemoryQuery{Text: "x"}); got != nil {
		t.Errorf("Search = %v, want nil", got)
	}
	if got, _ := m.List(ctx, "t1", MemoryFilter{}); got != nil {
		t.Errorf("List = %v, want nil", got)
	}
	stats, err := m.Stats(ctx, "t1")
	if err != nil || stats.Count != 0 || stats.ByKind == nil {
		t.Errorf("Stats = %+v, %v", stats, err)
	}
}

func TestEventedMemoryPublishesAdds(t *testing.T) {
	bus := NewBus()
	defer bus.Close(time.Second)
	sub := bus.Subscribe(string(EventMemoryAdded))
	defer sub.Close()

	inner := &fakeMemory{}
	m := WithMemoryEvents(inner, bus)

	id, err := m.Add(context.Background(), MemoryItem{
		TaskID:   "t1",
		Kind:     MemoryKeyValue,
		Key:      "client",
		Content:  "acme corp",
		Metadata: map[string]string{"stage": "intake"},
	})
	if err != nil {
		t.Fatal(err)
	}

	ev := nextEvent(t, sub, EventMemoryAdded)
	if ev.TaskID != "t1" {
		t.Errorf("TaskID = %q, want t1", ev.TaskID)
	}
	if ev.Payload["item_id"] != id || ev.Payload["kind"] != "key_value" {
		t.Errorf("payload = %+v, want the stored id and kind", ev.Payload)
	}
	meta, _ := ev.Payload["metadata"].(map[string]any)
	if meta["stage"] != "intake" {
		t.Errorf("metadata = %v, want the item's metadata forwarded", meta)
	}
	if len(inner.added) != 1 {
		t.Errorf("inner adds = %d, want the write delegated", len(inner.added))
	}
}

func TestEventedMemoryFailedAddEmitsNothing(t *testing.T) {
	bus := NewBus()
	defer bus.Close(time.Second)
	sub := bus.Subscribe(string(EventMemoryAdded))
	defer sub.Close()

	inner := &fakeMemory{addErr: errors.New("disk full")}
	m := WithMemoryEvents(inner, bus)

	if _, err := m.Add(context.Background(), MemoryItem{TaskID: "t1", Content: "x"}); err == nil {
		t.Fatal("expected the inner error to surface")
	}
	select {
	case ev := <-sub.Events():
		t.Errorf("unexpected event %s for a failed add", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventedMemoryPublishesSearches(t *testing.T) {
	bus := NewBus()
	defer bus.Close(time.Second)
	sub := bus.Subscribe(string(EventMemorySearched))
	defer sub.Close()

	inner := &fakeMemory{results: map[string][]MemoryItem{
		"t1": {{ID: "m1", TaskID: "t1", Content: "found"}},
	}}
	m := WithMemoryEvents(inner, bus)

	got, err := m.Search(context.Background(), MemoryQuery{TaskID: "t1", Text: "client name"})
	if err != nil {
		t.Fatal(err)
	}

	ev := nextEvent(t, sub, EventMemorySearched)
	if ev.TaskID != "t1" {
		t.Errorf("TaskID = %q, want t1", ev.TaskID)
	}
	if ev.Payload["query"] != "client name" {
		t.Errorf("query = %v, want the search text", ev.Payload["query"])
	}
	if ev.Payload["returned"] != len(got) {
		t.Errorf("returned = %v, want %d", ev.Payload["returned"], len(got))
	}
}

func TestEventedMemoryFailedSearchEmitsNothing(t *testing.T) {
	bus := NewBus()
	defer bus.Close(time.Second)
	sub := bus.Subscribe(string(EventMemorySearched))
	defer sub.Close()

	inner := &fakeMemory{searchErr: errors.New("index corrupt")}
	m := WithMemoryEvents(inner, bus)

	if _, err := m.Search(context.Background(), MemoryQuery{TaskID: "t1", Text: "x"}); err == nil {
		t.Fatal("expected the inner error to surface")
	}
	select {
	case ev := <-sub.Events():
		t.Errorf("unexpected event %s for a failed search", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventedMemoryDelegatesReads(t *testing.T) {
	inner := &fakeMemory{results: map[string][]MemoryItem{
		"t1": {{ID: "m1", TaskID: "t1", Content: "found"}},
	}}
	m := WithMemoryEvents(inner, NewBus())

	got, err := m.Search(context.Background(), MemoryQuery{TaskID: "t1", Text: "anything"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "m1" {
		t.Errorf("Search = %+v, want the inner result", got)
	}
}
