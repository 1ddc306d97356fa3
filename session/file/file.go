// Package file implements troupe.SessionStore on the local filesystem.
// Each task owns a directory under the store root: task.json holds the
// task fields, steps.jsonl appends one JSON-encoded step per line. Writes
// to task.json go through a temp file and rename so readers never observe
// a partial document.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nevindra/troupe"
)

const (
	metaFile  = "task.json"
	stepsFile = "steps.jsonl"
)

// StoreOption configures a file Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements troupe.SessionStore backed by a directory tree.
type Store struct {
	root   string
	mu     sync.Mutex
	logger *slog.Logger
}

var _ troupe.SessionStore = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store rooted at dir, creating it if needed.
func New(dir string, opts ...StoreOption) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	s := &Store{root: dir, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("file: session store opened", "root", dir)
	return s, nil
}

func (s *Store) taskDir(id string) string   { return filepath.Join(s.root, id) }
func (s *Store) metaPath(id string) string  { return filepath.Join(s.root, id, metaFile) }
func (s *Store) stepsPath(id string) string { return filepath.Join(s.root, id, stepsFile) }

// Create persists a new session. Fails when the task directory exists.
func (s *Store) Create(ctx context.Context, sess *troupe.TaskSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := sess.Task
	dir := s.taskDir(t.ID)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create task dir: %w", err)
	}
	if err := s.writeTask(t); err != nil {
		return err
	}
	for _, step := range t.History {
		if err := s.appendStepLocked(t.ID, step); err != nil {
			return err
		}
	}
	s.logger.Debug("file: create session ok", "task_id", t.ID, "team", t.TeamName)
	return nil
}

// Get loads a session with its full step history.
func (s *Store) Get(ctx context.Context, taskID string) (*troupe.TaskSession, error) {
	task, err := s.readTask(taskID)
	if err != nil {
		return nil, err
	}
	steps, err := s.readSteps(taskID)
	if err != nil {
		return nil, err
	}
	task.History = steps
	return &troupe.TaskSession{Task: task, Backend: "file", UpdatedAt: task.UpdatedAt}, nil
}

// GetStatus reads just the stored status.
func (s *Store) GetStatus(ctx context.Context, taskID string) (troupe.TaskStatus, error) {
	task, err := s.readTask(taskID)
	if err != nil {
		return "", err
	}
	return task.Status, nil
}

// Update applies a patch to the stored task fields.
func (s *Store) Update(ctx context.Context, taskID string, patch troupe.SessionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.readTask(taskID)
	if err != nil {
		return err
	}
	if err := troupe.ApplyPatch(task, patch); err != nil {
		return err
	}
	if err := s.writeTask(task); err != nil {
		return err
	}
	s.logger.Debug("file: update session ok", "task_id", taskID, "status", task.Status)
	return nil
}

// AppendStep adds one step to steps.jsonl and refreshes the task's
// updated_at stamp.
func (s *Store) AppendStep(ctx context.Context, taskID string, step troupe.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendStepLocked(taskID, step); err != nil {
		return err
	}
	task, err := s.readTask(taskID)
	if err != nil {
		return err
	}
	task.UpdatedAt = troupe.NowUnix()
	if err := s.writeTask(task); err != nil {
		return err
	}
	s.logger.Debug("file: append step ok", "task_id", taskID, "index", step.Index)
	return nil
}

// List returns sessions matching the filter, newest first. Histories are
// not loaded; use Get for the full step log.
func (s *Store) List(ctx context.Context, f troupe.SessionFilter) ([]*troupe.TaskSession, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read store root: %w", err)
	}

	var out []*troupe.TaskSession
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		task, err := s.readTask(e.Name())
		if err != nil {
			// Skip foreign or half-written directories.
			s.logger.Debug("file: skipping unreadable task dir", "dir", e.Name(), "error", err)
			continue
		}
		if f.Status != "" && task.Status != f.Status {
			continue
		}
		if f.TeamName != "" && task.TeamName != f.TeamName {
			continue
		}
		out = append(out, &troupe.TaskSession{Task: task, Backend: "file", UpdatedAt: task.UpdatedAt})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Task.CreatedAt != out[j].Task.CreatedAt {
			return out[i].Task.CreatedAt > out[j].Task.CreatedAt
		}
		return out[i].Task.ID > out[j].Task.ID
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Delete removes a session directory and everything in it.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.taskDir(taskID)); err != nil {
		return troupe.NewError(troupe.KindNotFound, "task %s not found", taskID)
	}
	if err := os.RemoveAll(s.taskDir(taskID)); err != nil {
		return fmt.Errorf("delete task dir: %w", err)
	}
	s.logger.Debug("file: delete session ok", "task_id", taskID)
	return nil
}

// FindContinuable ranks non-terminal sessions by description similarity.
func (s *Store) FindContinuable(ctx context.Context, description string, limit int) ([]*troupe.TaskSession, error) {
	all, err := s.List(ctx, troupe.SessionFilter{})
	if err != nil {
		return nil, err
	}
	return troupe.RankContinuable(all, description, limit), nil
}

// Close is a no-op for the file backend.
func (s *Store) Close() error { return nil }

func (s *Store) readTask(taskID string) (*troupe.Task, error) {
	data, err := os.ReadFile(s.metaPath(taskID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, troupe.NewError(troupe.KindNotFound, "task %s not found", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	var t troupe.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return &t, nil
}

// writeTask writes task.json atomically: temp file in the same directory,
// then rename over the old document.
func (s *Store) writeTask(t *troupe.Task) error {
	// History lives in steps.jsonl; never duplicate it into task.json.
	clone := *t
	clone.History = nil

	data, err := json.MarshalIndent(&clone, "", "  ")
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	dir := s.taskDir(t.ID)
	tmp, err := os.CreateTemp(dir, "task-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.metaPath(t.ID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename task file: %w", err)
	}
	return nil
}

func (s *Store) appendStepLocked(taskID string, step troupe.Step) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("encode step: %w", err)
	}
	f, err := os.OpenFile(s.stepsPath(taskID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open steps file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append step: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync steps file: %w", err)
	}
	return nil
}

// readSteps decodes steps.jsonl. A json.Decoder handles steps of any size
// without line-length limits.
func (s *Store) readSteps(taskID string) ([]troupe.Step, error) {
	f, err := os.Open(s.stepsPath(taskID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open steps file: %w", err)
	}
	defer f.Close()

	var steps []troupe.Step
	dec := json.NewDecoder(f)
	for {
		var step troupe.Step
		if err := dec.Decode(&step); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("decode step %d of task %s: %w", len(steps), taskID, err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}
