package crawler

import (
	"sync"
	"time"
)

const (
	breakerFailureLimit = 5
	breakerWindow       = 60 * time.Second
	breakerRecovery     = 30 * time.Second
)

// Breaker state names, reported through engine status.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half-open"
)

// Breaker trips the write path after repeated storage failures. While open,
// the writer routes queue items straight to the dead-letter sink. After the
// recovery window one trial write is allowed through; its outcome decides
// whether the breaker closes again.
type Breaker struct {
	mu       sync.Mutex
	failures []time.Time
	openedAt time.Time
	open     bool
	trial    bool

	now func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker() *Breaker {
	return &Breaker{now: time.Now}
}

// Allow reports whether a write may proceed. During half-open it admits a
// single trial until RecordSuccess or RecordFailure settles the state.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if b.now().Sub(b.openedAt) < breakerRecovery {
		return false
	}
	if b.trial {
		return false
	}
	b.trial = true
	return true
}

// RecordSuccess closes the breaker and clears the failure window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	b.trial = false
	b.failures = b.failures[:0]
}

// RecordFailure notes one failure; enough failures inside the sliding window
// open the breaker. A failed half-open trial re-opens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if b.open {
		// Failed trial: restart the recovery clock.
		b.openedAt = now
		b.trial = false
		return
	}
	cutoff := now.Add(-breakerWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = append(kept, now)
	if len(b.failures) >= breakerFailureLimit {
		b.open = true
		b.trial = false
		b.openedAt = now
		b.failures = b.failures[:0]
	}
}

// State reports the breaker state for status output.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return BreakerClosed
	}
	if b.now().Sub(b.openedAt) >= breakerRecovery {
		return BreakerHalfOpen
	}
	return BreakerOpen
}
