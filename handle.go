package troupe

import (
	"context"
	"sync"
	"sync/atomic"
)

// TaskHandle tracks a task being driven by an Executor. All methods are
// safe for concurrent use. Pause, Resume, and Stop are requests honored at
// the executor's next suspension point, never mid-turn.
type TaskHandle struct {
	id     string
	status atomic.Value // TaskStatus
	done   chan struct{}

	task *Task // final snapshot, valid after done closes
	err  error

	mu       sync.Mutex
	injected []string

	pauseFlag atomic.Bool
	resumeCh  chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func newTaskHandle(id string) *TaskHandle {
	h := &TaskHandle{
		id:       id,
		done:     make(chan struct{}),
		resumeCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	h.status.Store(StatusCreated)
	return h
}

// ID returns the task ID.
func (h *TaskHandle) ID() string { return h.id }

// Status returns the last status the executor reported.
func (h *TaskHandle) Status() TaskStatus {
	return h.status.Load().(TaskStatus)
}

// Done returns a channel closed when the task reaches a terminal status.
func (h *TaskHandle) Done() <-chan struct{} { return h.done }

// Pause requests a pause at the next suspension point.
func (h *TaskHandle) Pause() { h.pauseFlag.Store(true) }

// Resume clears a pause request and wakes a parked task.
func (h *TaskHandle) Resume() {
	h.pauseFlag.Store(false)
	select {
	case h.resumeCh <- struct{}{}:
	default:
	}
}

// Stop requests a graceful stop at the next suspension point. The turn in
// flight finishes first; cancel the executor context to abort harder.
func (h *TaskHandle) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// Inject queues user input; the next agent turn consumes it as a user
// message.
func (h *TaskHandle) Inject(input string) {
	h.mu.Lock()
	h.injected = append(h.injected, input)
	h.mu.Unlock()
}

// Wait blocks until the task is terminal or ctx is cancelled, returning the
// final task snapshot.
func (h *TaskHandle) Wait(ctx context.Context) (*Task, error) {
	select {
	case <-h.done:
		return h.task, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// drainInjected removes and returns queued inputs.
func (h *TaskHandle) drainInjected() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.injected
	h.injected = nil
	return out
}

func (h *TaskHandle) pauseRequested() bool { return h.pauseFlag.Load() }

func (h *TaskHandle) stopRequested() bool {
	select {
	case <-h.stopCh:
		return true
	default:
		return false
	}
}

// finish records the terminal snapshot. The channel close is the
// happens-before barrier for task and err reads in Wait.
func (h *TaskHandle) finish(task *Task, err error) {
	h.task = task
	h.err = err
	if task != nil {
		h.status.Store(task.Status)
	}
	close(h.done)
}
