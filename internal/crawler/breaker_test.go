package crawler

import (
	"testing"
	"time"
)

func TestBreakerOpensAfterFailureBurst(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBreaker()
	b.now = func() time.Time { return now }

	for i := 0; i < breakerFailureLimit-1; i++ {
		b.RecordFailure()
		if !b.Allow() {
			t.Fatalf("breaker opened after %d failures", i+1)
		}
	}
	b.RecordFailure()
	if b.Allow() {
		t.Fatal("breaker should be open after the failure limit")
	}
	if b.State() != BreakerOpen {
		t.Errorf("state = %s, want open", b.State())
	}
}

func TestBreakerWindowExpiresOldFailures(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBreaker()
	b.now = func() time.Time { return now }

	for i := 0; i < breakerFailureLimit-1; i++ {
		b.RecordFailure()
	}
	// Old failures age out of the sliding window.
	now = now.Add(breakerWindow + time.Second)
	b.RecordFailure()
	if !b.Allow() {
		t.Fatal("stale failures must not count toward the limit")
	}
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBreaker()
	b.now = func() time.Time { return now }

	for i := 0; i < breakerFailureLimit; i++ {
		b.RecordFailure()
	}
	if b.Allow() {
		t.Fatal("should be open")
	}

	now = now.Add(breakerRecovery + time.Second)
	if b.State() != BreakerHalfOpen {
		t.Errorf("state = %s, want half-open", b.State())
	}
	if !b.Allow() {
		t.Fatal("half-open must admit one trial")
	}
	if b.Allow() {
		t.Fatal("half-open must admit only one trial")
	}

	// Failed trial restarts the recovery clock.
	b.RecordFailure()
	if b.Allow() {
		t.Fatal("failed trial must re-open")
	}
	now = now.Add(breakerRecovery + time.Second)
	if !b.Allow() {
		t.Fatal("second trial expected after recovery")
	}
	b.RecordSuccess()
	if !b.Allow() || b.State() != BreakerClosed {
		t.Error("successful trial must close the breaker")
	}
}

func TestQueueTryPutFullDoesNotBlock(t *testing.T) {
	q := NewQueue(2)
	if !q.TryPut(Item{}) || !q.TryPut(Item{}) {
		t.Fatal("queue should accept up to capacity")
	}
	done := make(chan bool, 1)
	go func() { done <- q.TryPut(Item{}) }()
	select {
	case ok := <-done:
		if ok {
			t.Error("TryPut on a full queue must report false")
		}
	case <-time.After(time.Second):
		t.Fatal("TryPut blocked on a full queue")
	}
	if q.Len() != 2 {
		t.Errorf("len = %d, want 2", q.Len())
	}
}
