package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/nevindra/troupe"
)

func testStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "sessions")
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, dir
}

func newSession(id, team, desc string, status troupe.TaskStatus, createdAt int64) *troupe.TaskSession {
	return &troupe.TaskSession{Task: &troupe.Task{
		ID:          id,
		Description: desc,
		Status:      status,
		TeamName:    team,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}}
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	sess := newSession("task-1", "writers", "draft the release notes", troupe.StatusCreated, 1000)
	sess.Task.ConfigHash = "abc123"
	sess.Task.Metadata = map[string]any{"origin": "cli"}
	sess.Task.History = []troupe.Step{
		{
			Index:     0,
			AgentName: "drafter",
			Parts: []troupe.Part{
				{Kind: troupe.PartToolCall, Tool: &troupe.ToolInvocation{CallID: "c1", Name: "lookup", Args: json.RawMessage(`{"q":"v2"}`)}},
				{Kind: troupe.PartToolResult, Tool: &troupe.ToolInvocation{CallID: "c1", Name: "lookup", Result: "three changes"}},
				{Kind: troupe.PartText, Text: "drafted", Origin: troupe.OriginAgent},
			},
			Usage:      troupe.Usage{InputTokens: 12, OutputTokens: 3},
			Warnings:   []string{"response truncated: length limit"},
			StartedAt:  1000,
			FinishedAt: 1001,
		},
		{
			Index:     1,
			AgentName: "drafter",
			Parts:     []troupe.Part{{Kind: troupe.PartText, Text: "shorter please", Origin: troupe.OriginUser}},
		},
	}
	if err := s.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Backend != "file" {
		t.Errorf("backend = %q, want file", got.Backend)
	}
	tk := got.Task
	if tk.TeamName != "writers" || tk.Description != "draft the release notes" || tk.ConfigHash != "abc123" {
		t.Errorf("unexpected task fields: %+v", tk)
	}
	if tk.Metadata["origin"] != "cli" {
		t.Errorf("metadata = %v", tk.Metadata)
	}
	if len(tk.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(tk.History))
	}
	step := tk.History[0]
	if len(step.Parts) != 3 || step.Parts[0].Tool == nil || step.Parts[0].Tool.CallID != "c1" {
		t.Errorf("unexpected step parts: %+v", step.Parts)
	}
	if step.Usage.InputTokens != 12 || step.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", step.Usage)
	}
	if len(step.Warnings) != 1 {
		t.Errorf("warnings = %v", step.Warnings)
	}
	if tk.History[1].Parts[0].Origin != troupe.OriginUser {
		t.Errorf("injected part origin = %q, want user", tk.History[1].Parts[0].Origin)
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, newSession("dup", "team", "d", troupe.StatusCreated, 1)); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if err := s.Create(ctx, newSession("dup", "team", "d", troupe.StatusCreated, 1)); err == nil {
		t.Fatal("second Create succeeded, want error")
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	s, _ := testStore(t)

	_, err := s.Get(context.Background(), "nope")
	if troupe.KindOf(err) != troupe.KindNotFound {
		t.Errorf("KindOf = %v, want %v (err: %v)", troupe.KindOf(err), troupe.KindNotFound, err)
	}
	if _, err := s.GetStatus(context.Background(), "nope"); troupe.KindOf(err) != troupe.KindNotFound {
		t.Errorf("GetStatus kind = %v, want not_found", troupe.KindOf(err))
	}
}

func TestUpdateAppliesPatchAndTransitions(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, newSession("t1", "team", "d", troupe.StatusCreated, 1000)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	running := troupe.StatusRunning
	agent := "planner"
	if err := s.Update(ctx, "t1", troupe.SessionPatch{Status: &running, CurrentAgent: &agent}); err != nil {
		t.Fatalf("Update to running: %v", err)
	}

	done := troupe.StatusCompleted
	answer := "shipped"
	if err := s.Update(ctx, "t1", troupe.SessionPatch{Status: &done, FinalAnswer: &answer}); err != nil {
		t.Fatalf("Update to completed: %v", err)
	}

	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Task.Status != troupe.StatusCompleted || got.Task.FinalAnswer != "shipped" || got.Task.CurrentAgent != "planner" {
		t.Errorf("unexpected task after patches: %+v", got.Task)
	}
	if got.Task.UpdatedAt <= 1000 {
		t.Errorf("UpdatedAt = %d, want bumped past seed", got.Task.UpdatedAt)
	}

	// Terminal tasks reject further status changes.
	err = s.Update(ctx, "t1", troupe.SessionPatch{Status: &running})
	if troupe.KindOf(err) != troupe.KindInvalidState {
		t.Errorf("patch on terminal task: kind = %v, want invalid_state", troupe.KindOf(err))
	}
}

func TestAppendStepSurvivesReopen(t *testing.T) {
	s, dir := testStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, newSession("t1", "team", "d", troupe.StatusCreated, 1000)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < 3; i++ {
		step := troupe.Step{Index: i, AgentName: "worker", Parts: []troupe.Part{{Kind: troupe.PartText, Text: "step", Origin: troupe.OriginAgent}}}
		if err := s.AppendStep(ctx, "t1", step); err != nil {
			t.Fatalf("AppendStep %d: %v", i, err)
		}
	}

	// A fresh store on the same root sees everything.
	s2, err := New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := s2.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if len(got.Task.History) != 3 {
		t.Fatalf("history length = %d, want 3", len(got.Task.History))
	}
	for i, step := range got.Task.History {
		if step.Index != i {
			t.Errorf("step %d has index %d", i, step.Index)
		}
	}
	if got.Task.UpdatedAt <= 1000 {
		t.Errorf("UpdatedAt = %d, want bumped by append", got.Task.UpdatedAt)
	}
}

func TestTaskDirStaysClean(t *testing.T) {
	s, dir := testStore(t)
	ctx := context.Background()

	sess := newSession("t1", "team", "d", troupe.StatusCreated, 1)
	sess.Task.History = []troupe.Step{{Index: 0, AgentName: "a"}}
	if err := s.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}
	running := troupe.StatusRunning
	if err := s.Update(ctx, "t1", troupe.SessionPatch{Status: &running}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	paused := troupe.StatusPaused
	if err := s.Update(ctx, "t1", troupe.SessionPatch{Status: &paused}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Atomic writes must not leave temp files behind.
	entries, err := os.ReadDir(filepath.Join(dir, "t1"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Fatalf("task dir entries = %v, want [steps.jsonl task.json]", names)
	}
	if entries[0].Name() != "steps.jsonl" || entries[1].Name() != "task.json" {
		t.Errorf("entries = [%s %s], want [steps.jsonl task.json]", entries[0].Name(), entries[1].Name())
	}
}

func TestListFiltersAndOrders(t *testing.T) {
	s, dir := testStore(t)
	ctx := context.Background()

	seed := []*troupe.TaskSession{
		newSession("a", "writers", "first", troupe.StatusCompleted, 1000),
		newSession("b", "editors", "second", troupe.StatusRunning, 2000),
		newSession("c", "writers", "third", troupe.StatusRunning, 3000),
	}
	for _, sess := range seed {
		if err := s.Create(ctx, sess); err != nil {
			t.Fatalf("Create %s: %v", sess.Task.ID, err)
		}
	}
	// Foreign entries in the root are ignored.
	if err := os.WriteFile(filepath.Join(dir, "stray.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "not-a-task"), 0o755); err != nil {
		t.Fatal(err)
	}

	all, err := s.List(ctx, troupe.SessionFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List returned %d sessions, want 3", len(all))
	}
	if all[0].Task.ID != "c" || all[1].Task.ID != "b" || all[2].Task.ID != "a" {
		t.Errorf("order = [%s %s %s], want [c b a]", all[0].Task.ID, all[1].Task.ID, all[2].Task.ID)
	}
	if len(all[0].Task.History) != 0 {
		t.Errorf("List loaded history, want metadata only")
	}

	running, err := s.List(ctx, troupe.SessionFilter{Status: troupe.StatusRunning})
	if err != nil {
		t.Fatalf("List running: %v", err)
	}
	if len(running) != 2 {
		t.Errorf("running count = %d, want 2", len(running))
	}

	writers, err := s.List(ctx, troupe.SessionFilter{TeamName: "writers"})
	if err != nil {
		t.Fatalf("List writers: %v", err)
	}
	if len(writers) != 2 || writers[0].Task.ID != "c" || writers[1].Task.ID != "a" {
		t.Errorf("writers = %v", ids(writers))
	}

	page, err := s.List(ctx, troupe.SessionFilter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("List page: %v", err)
	}
	if len(page) != 2 || page[0].Task.ID != "b" || page[1].Task.ID != "a" {
		t.Errorf("page = %v, want [b a]", ids(page))
	}

	empty, err := s.List(ctx, troupe.SessionFilter{Offset: 10})
	if err != nil {
		t.Fatalf("List past end: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("offset past end returned %d sessions", len(empty))
	}
}

func TestDeleteRemovesSession(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, newSession("t1", "team", "d", troupe.StatusCreated, 1)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Delete(ctx, "t1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "t1"); troupe.KindOf(err) != troupe.KindNotFound {
		t.Errorf("Get after delete: kind = %v, want not_found", troupe.KindOf(err))
	}
	if err := s.Delete(ctx, "t1"); troupe.KindOf(err) != troupe.KindNotFound {
		t.Errorf("second Delete: kind = %v, want not_found", troupe.KindOf(err))
	}
}

func TestFindContinuableRanksByDescription(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	seed := []*troupe.TaskSession{
		newSession("exact", "team", "summarize the quarterly sales report", troupe.StatusPaused, 1000),
		newSession("partial", "team", "summarize a report", troupe.StatusRunning, 2000),
		newSession("done", "team", "summarize the quarterly sales report", troupe.StatusCompleted, 3000),
		newSession("other", "team", "walk my dog", troupe.StatusRunning, 4000),
	}
	for _, sess := range seed {
		if err := s.Create(ctx, sess); err != nil {
			t.Fatalf("Create %s: %v", sess.Task.ID, err)
		}
	}

	got, err := s.FindContinuable(ctx, "summarize the quarterly sales report", 5)
	if err != nil {
		t.Fatalf("FindContinuable: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d sessions (%v), want 2", len(got), ids(got))
	}
	if got[0].Task.ID != "exact" || got[1].Task.ID != "partial" {
		t.Errorf("ranking = %v, want [exact partial]", ids(got))
	}
}

func ids(sessions []*troupe.TaskSession) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.Task.ID
	}
	return out
}
