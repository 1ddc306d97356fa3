package troupe

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// TaskSession is the durable record of a task. Backends persist the task
// fields plus the step log; History inside Task is authoritative after Get.
type TaskSession struct {
	Task      *Task  `json:"task"`
	Backend   string `json:"backend,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

// SessionPatch is a partial update. Nil fields are left untouched; Metadata
// entries are merged over the stored map.
type SessionPatch struct {
	Status       *TaskStatus
	CurrentAgent *string
	FinalAnswer  *string
	FailReason   *string
	Metadata     map[string]any
}

// SessionFilter narrows List results. Zero values match everything.
type SessionFilter struct {
	Status   TaskStatus
	TeamName string
	Limit    int
	Offset   int
}

// SessionStore is the pluggable persistence backend for tasks. Step
// appends and patches for one task are serialized by the executor; reads
// may happen concurrently from other processes (list, details, stop).
type SessionStore interface {
	// Create persists a new session. The task ID must be unused.
	Create(ctx context.Context, s *TaskSession) error
	// Get loads a session with its full step history.
	Get(ctx context.Context, taskID string) (*TaskSession, error)
	// GetStatus reads just the stored status. The executor polls this
	// between turns to observe stops requested from other processes.
	GetStatus(ctx context.Context, taskID string) (TaskStatus, error)
	// Update applies a patch to the stored task fields.
	Update(ctx context.Context, taskID string, patch SessionPatch) error
	// AppendStep adds one step to the task's history log.
	AppendStep(ctx context.Context, taskID string, step Step) error
	// List returns sessions matching the filter, newest first.
	List(ctx context.Context, f SessionFilter) ([]*TaskSession, error)
	// Delete removes a session and its steps. Deleting an unknown task
	// returns a KindNotFound error.
	Delete(ctx context.Context, taskID string) error
	// FindContinuable ranks non-terminal sessions by similarity of their
	// descriptions to the query, best first.
	FindContinuable(ctx context.Context, description string, limit int) ([]*TaskSession, error)
	// Close releases backend resources.
	Close() error
}

// ApplyPatch merges a patch into a task, enforcing status transitions.
// Shared by store backends.
func ApplyPatch(t *Task, patch SessionPatch) error {
	if patch.Status != nil && *patch.Status != t.Status {
		if err := t.transition(*patch.Status); err != nil {
			return err
		}
	}
	if patch.CurrentAgent != nil {
		t.CurrentAgent = *patch.CurrentAgent
	}
	if patch.FinalAnswer != nil {
		t.FinalAnswer = *patch.FinalAnswer
	}
	if patch.FailReason != nil {
		t.FailReason = *patch.FailReason
	}
	if len(patch.Metadata) > 0 {
		if t.Metadata == nil {
			t.Metadata = make(map[string]any, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			t.Metadata[k] = v
		}
	}
	t.UpdatedAt = NowUnix()
	return nil
}

// DescriptionSimilarity scores two task descriptions in [0,1] by token-set
// overlap after NFKC normalization and case folding. Backends use it to
// rank FindContinuable results without an embedding dependency.
func DescriptionSimilarity(a, b string) float64 {
	ta := descTokens(a)
	tb := descTokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for tok := range ta {
		if tb[tok] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func descTokens(s string) map[string]bool {
	s = strings.ToLower(norm.NFKC.String(s))
	out := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(tok) > 1 {
			out[tok] = true
		}
	}
	return out
}

// RankContinuable filters non-terminal sessions, scores them against the
// query description, and returns the top limit matches, best first.
// Backends without native ranking delegate here after a List.
func RankContinuable(sessions []*TaskSession, description string, limit int) []*TaskSession {
	type scored struct {
		s     *TaskSession
		score float64
	}
	var candidates []scored
	for _, s := range sessions {
		if s.Task.Status.IsTerminal() {
			continue
		}
		score := DescriptionSimilarity(description, s.Task.Description)
		if score > 0 {
			candidates = append(candidates, scored{s, score})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]*TaskSession, len(candidates))
	for i, c := range candidates {
		out[i] = c.s
	}
	return out
}
