package troupe

import "context"

// MemoryKind discriminates what a memory item holds.
type MemoryKind string

const (
	MemoryText          MemoryKind = "text"
	MemoryJSON          MemoryKind = "json"
	MemoryKeyValue      MemoryKind = "key_value"
	MemoryVersionedText MemoryKind = "versioned_text"
)

// MemoryItem is one task-scoped memory entry. Key is required for
// key_value and versioned_text kinds; adding a versioned_text with an
// existing key bumps Version and supersedes the previous entry in search.
// AgentName records which agent wrote the item; Importance is a 0..1
// weight Search can filter on.
type MemoryItem struct {
	ID         string            `json:"id"`
	TaskID     string            `json:"task_id"`
	AgentName  string            `json:"agent_name,omitempty"`
	Kind       MemoryKind        `json:"kind"`
	Key        string            `json:"key,omitempty"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Importance float64           `json:"importance,omitempty"`
	Score      float64           `json:"score,omitempty"`
	Version    int               `json:"version,omitempty"`
	CreatedAt  int64             `json:"created_at"`
}

// MemoryQuery selects items for Search.
type MemoryQuery struct {
	TaskID        string
	Text          string
	Kind          MemoryKind // empty matches all kinds
	TopK          int        // default 5
	MinScore      float64
	MinImportance float64 // drop items below this importance
}

// MemoryFilter narrows List results. The zero value lists everything.
type MemoryFilter struct {
	AgentName string // only items written by this agent
	Limit     int
	Offset    int
}

// MemoryStats summarizes a task's memory.
type MemoryStats struct {
	Count         int            `json:"count"`
	ByKind        map[string]int `json:"by_kind"`
	ByAgent       map[string]int `json:"by_agent"`
	AvgImportance float64        `json:"avg_importance,omitempty"`
	Newest        int64          `json:"newest,omitempty"`
	Oldest        int64          `json:"oldest,omitempty"`
}

// MemoryProvider is the pluggable long-term memory backend. Add must make
// the item durable before returning; Search returns items sorted by Score
// descending.
type MemoryProvider interface {
	Add(ctx context.Context, item MemoryItem) (string, error)
	Search(ctx context.Context, q MemoryQuery) ([]MemoryItem, error)
	List(ctx context.Context, taskID string, f MemoryFilter) ([]MemoryItem, error)
	Stats(ctx context.Context, taskID string) (MemoryStats, error)
}

// NopMemory is the MemoryProvider used when a team configures no memory.
// Adds vanish, searches come back empty.
type NopMemory struct{}

func (NopMemory) Add(ctx context.Context, item MemoryItem) (string, error) {
	return item.ID, nil
}

func (NopMemory) Search(context.Context, MemoryQuery) ([]MemoryItem, error) {
	return nil, nil
}

func (NopMemory) List(context.Context, string, MemoryFilter) ([]MemoryItem, error) {
	return nil, nil
}

func (NopMemory) Stats(context.Context, string) (MemoryStats, error) {
	return MemoryStats{ByKind: map[string]int{}, ByAgent: map[string]int{}}, nil
}

var _ MemoryProvider = NopMemory{}

// WithMemoryEvents wraps a provider so every durable Add publishes
// memory.added and every successful Search publishes memory.searched. The
// bus applies its auto-emit rules to these.
func WithMemoryEvents(p MemoryProvider, bus *Bus) MemoryProvider {
	return &eventedMemory{inner: p, bus: bus}
}

type eventedMemory struct {
	inner MemoryProvider
	bus   *Bus
}

func (m *eventedMemory) Add(ctx context.Context, item MemoryItem) (string, error) {
	id, err := m.inner.Add(ctx, item)
	if err != nil {
		return "", err
	}
	meta := make(map[string]any, len(item.Metadata))
	for k, v := range item.Metadata {
		meta[k] = v
	}
	_ = m.bus.Publish(newEvent(EventMemoryAdded, item.TaskID, item.AgentName, map[string]any{
		"item_id":    id,
		"kind":       string(item.Kind),
		"importance": item.Importance,
		"metadata":   meta,
	}))
	return id, nil
}

func (m *eventedMemory) Search(ctx context.Context, q MemoryQuery) ([]MemoryItem, error) {
	items, err := m.inner.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	_ = m.bus.Publish(newEvent(EventMemorySearched, q.TaskID, "", map[string]any{
		"query":    q.Text,
		"returned": len(items),
	}))
	return items, nil
}

func (m *eventedMemory) List(ctx context.Context, taskID string, f MemoryFilter) ([]MemoryItem, error) {
	return m.inner.List(ctx, taskID, f)
}

func (m *eventedMemory) Stats(ctx context.Context, taskID string) (MemoryStats, error) {
	return m.inner.Stats(ctx, taskID)
}

var _ MemoryProvider = (*eventedMemory)(nil)
