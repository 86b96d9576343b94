// Package crawler is the ingestion engine: session supervision, live event
// capture, the bounded queue and batch writer, entity and group caches, and
// the historical backfill and gap-fill controllers.
package crawler

import (
	"context"
	"time"

	"github.com/chatscribe/chatscribe/internal/store"
)

// queueCapacity bounds the capture-to-writer pipeline. A full queue redirects
// live items to the dead-letter sink instead of blocking capture.
const queueCapacity = 10000

// ItemKind separates idempotent inserts from mutable-field updates so the
// writer can split a batch into the two conflict strategies.
type ItemKind int

const (
	ItemInsert ItemKind = iota
	ItemUpdate
)

// Item is one captured write intent. Quiet items (backfill, gap-fill) are
// persisted without fan-out notification.
type Item struct {
	Kind  ItemKind
	Quiet bool
	Row   store.MessageRow
}

// Queue is the bounded FIFO between capture and the batch writer.
type Queue struct {
	ch chan Item
}

// NewQueue creates a queue with the given capacity (default when <= 0).
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = queueCapacity
	}
	return &Queue{ch: make(chan Item, capacity)}
}

// TryPut enqueues without blocking; false means the queue is full.
func (q *Queue) TryPut(item Item) bool {
	select {
	case q.ch <- item:
		return true
	default:
		return false
	}
}

// Put enqueues, blocking until there is room or ctx ends. Backfill uses this
// so history streaming applies backpressure instead of dropping.
func (q *Queue) Put(ctx context.Context, item Item) error {
	select {
	case q.ch <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get dequeues one item, waiting at most timeout. The second return is false
// on timeout or context end.
func (q *Queue) Get(ctx context.Context, timeout time.Duration) (Item, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case item := <-q.ch:
		return item, true
	case <-timer.C:
		return Item{}, false
	case <-ctx.Done():
		return Item{}, false
	}
}

// TryGet dequeues without waiting.
func (q *Queue) TryGet() (Item, bool) {
	select {
	case item := <-q.ch:
		return item, true
	default:
		return Item{}, false
	}
}

// Len reports the current backlog.
func (q *Queue) Len() int { return len(q.ch) }

// Cap reports the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }
