package troupe

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultQueueSize = 1024

// AutoEmitRule derives a custom event from memory.added. Rules are
// evaluated in declaration order against the added item's metadata; every
// matching rule emits, and a matching rule marked Exclusive stops further
// evaluation.
type AutoEmitRule struct {
	Event     EventType         `toml:"event" json:"event"`
	Filter    map[string]string `toml:"filter" json:"filter,omitempty"`
	Exclusive bool              `toml:"exclusive" json:"exclusive,omitempty"`
}

// Bus fans events out to subscribers. Publishing never blocks: each
// subscriber owns a bounded queue that drops its OLDEST entry on overflow,
// so a slow consumer loses history instead of stalling the orchestrator.
type Bus struct {
	mu     sync.Mutex
	subs   []*Subscription
	custom map[EventType]bool
	rules  []AutoEmitRule
	seq    uint64
	closed bool
	wg     sync.WaitGroup
	logger *slog.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusLogger sets the logger for drop and close diagnostics.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBus creates an event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		custom: make(map[EventType]bool),
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterAutoEmit installs derivation rules and admits their event types
// into the publishable set. Rule names must not collide with engine events.
func (b *Bus) RegisterAutoEmit(rules []AutoEmitRule) error {
	for _, r := range rules {
		if r.Event == "" {
			return NewError(KindConfig, "auto-emit rule has no event name")
		}
		if engineEvents[r.Event] {
			return NewError(KindConfig, "auto-emit rule %s shadows an engine event", r.Event)
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rules = append(b.rules, rules...)
	for _, r := range rules {
		b.custom[r.Event] = true
	}
	return nil
}

// Publish stamps the event with a monotonic sequence number and enqueues it
// for every matching subscriber. Unknown event types are rejected; after
// Close the bus silently drops.
func (b *Bus) Publish(ev Event) error {
	derived, err := b.publish(ev, true)
	if err != nil {
		return err
	}
	for _, dev := range derived {
		if _, err := b.publish(dev, false); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) publish(ev Event, derive bool) ([]Event, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil
	}
	if !engineEvents[ev.Type] && !b.custom[ev.Type] {
		b.mu.Unlock()
		return nil, NewError(KindConfig, "unknown event type %q", ev.Type)
	}
	b.seq++
	ev.Seq = b.seq
	if ev.Timestamp == 0 {
		ev.Timestamp = NowUnix()
	}
	for _, s := range b.subs {
		if matchPattern(s.pattern, ev.Type) {
			s.enqueue(ev)
		}
	}
	var derivedEvents []Event
	if derive && ev.Type == EventMemoryAdded {
		derivedEvents = b.deriveLocked(ev)
	}
	b.mu.Unlock()
	return derivedEvents, nil
}

// deriveLocked applies auto-emit rules to a memory.added event. Caller
// holds b.mu.
func (b *Bus) deriveLocked(ev Event) []Event {
	var out []Event
	for _, r := range b.rules {
		if !metadataMatches(r.Filter, ev.Payload) {
			continue
		}
		dev := newEvent(r.Event, ev.TaskID, ev.Agent, ev.Payload)
		out = append(out, dev)
		if r.Exclusive {
			break
		}
	}
	return out
}

// metadataMatches reports whether every filter pair appears in the event
// payload's metadata. An empty filter matches everything.
func metadataMatches(filter map[string]string, payload map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	meta, _ := payload["metadata"].(map[string]any)
	for k, want := range filter {
		got, ok := meta[k].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	pattern string
	size    int

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	closed  bool
	dropped atomic.Uint64

	out      chan Event
	done     chan struct{}
	stopOnce sync.Once
}

// SubOption configures a subscription.
type SubOption func(*Subscription)

// WithQueueSize overrides the per-subscriber queue bound (default 1024).
func WithQueueSize(n int) SubOption {
	return func(s *Subscription) {
		if n > 0 {
			s.size = n
		}
	}
}

// Subscribe registers a subscriber for event types matching pattern
// ("*", "task.*", or an exact type). Events arrive on Events() in publish
// order; when the subscriber falls more than the queue size behind, the
// oldest undelivered events are dropped and counted.
func (b *Bus) Subscribe(pattern string, opts ...SubOption) *Subscription {
	s := &Subscription{
		pattern: pattern,
		size:    defaultQueueSize,
		out:     make(chan Event),
		done:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s
	}
	b.subs = append(b.subs, s)
	b.wg.Add(1)
	b.mu.Unlock()
	go func() {
		defer b.wg.Done()
		s.pump()
	}()
	return s
}

// Events returns the delivery channel. It closes when the subscription or
// the bus closes.
func (s *Subscription) Events() <-chan Event { return s.out }

// Dropped returns how many events were discarded because the subscriber
// fell behind.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription. Queued events are discarded.
func (s *Subscription) Close() {
	s.stop(true)
}

func (s *Subscription) stop(force bool) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if force {
		s.stopOnce.Do(func() { close(s.done) })
	}
	s.cond.Signal()
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.size {
		copy(s.queue, s.queue[1:])
		s.queue = s.queue[:len(s.queue)-1]
		s.dropped.Add(1)
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.cond.Signal()
}

// pump moves events from the queue to the out channel at the consumer's
// pace. The queue absorbs bursts; the drop policy lives in enqueue.
func (s *Subscription) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			close(s.out)
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case <-s.done:
			close(s.out)
			return
		default:
		}
		select {
		case s.out <- ev:
		case <-s.done:
			close(s.out)
			return
		}
	}
}

// Close stops intake, lets subscriber queues drain for up to grace, then
// force-drops whatever remains. Returns an error when the grace period
// expired with events still queued.
func (b *Bus) Close(grace time.Duration) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop(false)
	}

	drained := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-time.After(grace):
	}

	for _, s := range subs {
		s.stop(true)
	}
	b.wg.Wait()
	b.logger.Warn("event bus closed before all subscriber queues drained", "grace", grace)
	return NewError(KindSession, "event bus closed with undelivered events after %s", grace)
}
