package troupe

import (
	"context"
	"sync"
	"time"
)

// rateLimitedBrain wraps a Brain with proactive rate limiting. Requests
// block until the rate budget allows them to proceed.
type rateLimitedBrain struct {
	inner Brain
	mu    sync.Mutex

	// RPM state: sliding window of request timestamps.
	rpm       int
	rpmWindow []time.Time

	// TPM state: sliding window of (timestamp, tokenCount) pairs.
	tpm       int
	tpmWindow []tpmEntry
}

type tpmEntry struct {
	at     time.Time
	tokens int
}

// RateLimitOption configures a rate-limited brain.
type RateLimitOption func(*rateLimitedBrain)

// RPM sets the maximum requests per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitedBrain) { r.rpm = n }
}

// TPM sets the maximum tokens per minute (input + output combined).
// Token counts are recorded from the finish chunk's usage after each
// stream. This is a soft limit: the stream that exceeds the budget
// completes, but subsequent requests block until the window slides.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitedBrain) { r.tpm = n }
}

// WithRateLimit wraps b with proactive rate limiting. Compose freely:
//
//	brain = troupe.WithRateLimit(brain, troupe.RPM(60))
//	brain = troupe.WithRateLimit(brain, troupe.RPM(60), troupe.TPM(100000))
func WithRateLimit(b Brain, opts ...RateLimitOption) Brain {
	r := &rateLimitedBrain{inner: b}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitedBrain) Name() string { return r.inner.Name() }

func (r *rateLimitedBrain) Stream(ctx context.Context, req ChatRequest, ch chan<- Chunk) error {
	if err := r.waitForBudget(ctx); err != nil {
		close(ch)
		return err
	}
	// Tap the stream so finish-chunk usage lands in the TPM window.
	tap := make(chan Chunk, 16)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		defer close(ch)
		for c := range tap {
			if c.Kind == ChunkFinish && c.Usage != nil {
				r.recordUsage(*c.Usage)
			}
			ch <- c
		}
	}()
	err := r.inner.Stream(ctx, req, tap)
	<-forwarded
	return err
}

// waitForBudget blocks until both RPM and TPM budgets allow a request.
// Returns ctx.Err() if the context is cancelled while waiting.
func (r *rateLimitedBrain) waitForBudget(ctx context.Context) error {
	for {
		ok, wait := r.tryReserve()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryReserve prunes both windows and either records the request (budget
// available) or reports how long to wait for the oldest blocking entry to
// expire.
func (r *rateLimitedBrain) tryReserve() (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Minute)

	i := 0
	for i < len(r.rpmWindow) && r.rpmWindow[i].Before(cutoff) {
		i++
	}
	r.rpmWindow = r.rpmWindow[i:]

	i = 0
	tokens := 0
	for j, e := range r.tpmWindow {
		if e.at.Before(cutoff) {
			i = j + 1
			continue
		}
		tokens += e.tokens
	}
	r.tpmWindow = r.tpmWindow[i:]

	rpmOK := r.rpm <= 0 || len(r.rpmWindow) < r.rpm
	tpmOK := r.tpm <= 0 || tokens < r.tpm

	if rpmOK && tpmOK {
		if r.rpm > 0 {
			r.rpmWindow = append(r.rpmWindow, now)
		}
		return true, 0
	}

	var wait time.Duration
	if !rpmOK && len(r.rpmWindow) > 0 {
		wait = r.rpmWindow[0].Add(time.Minute).Sub(now)
	}
	if !tpmOK && len(r.tpmWindow) > 0 {
		if w := r.tpmWindow[0].at.Add(time.Minute).Sub(now); wait == 0 || w < wait {
			wait = w
		}
	}
	if wait <= 0 {
		wait = 10 * time.Millisecond
	}
	return false, wait
}

// recordUsage adds token counts to the TPM sliding window.
func (r *rateLimitedBrain) recordUsage(u Usage) {
	if r.tpm <= 0 {
		return
	}
	total := u.InputTokens + u.OutputTokens
	if total <= 0 {
		return
	}
	r.mu.Lock()
	r.tpmWindow = append(r.tpmWindow, tpmEntry{at: time.Now(), tokens: total})
	r.mu.Unlock()
}

// compile-time check
var _ Brain = (*rateLimitedBrain)(nil)
