package crawler

import (
	"context"
	"log/slog"
	"time"

	"github.com/chatscribe/chatscribe/internal/fanout"
	"github.com/chatscribe/chatscribe/internal/store"
)

const (
	// firstItemWait bounds how long the writer blocks for work before
	// re-checking for shutdown.
	firstItemWait = 5 * time.Second
	// batchWindow is the gather window after the first item arrives.
	batchWindow  = 2 * time.Second
	batchMaxSize = 50

	writeRetryAttempts = 4
	writeBackoffBase   = 1 * time.Second
	writeBackoffMax    = 8 * time.Second

	shutdownDrain = 15 * time.Second
)

// Writer drains the ingestion queue in adaptive batches: up to batchMaxSize
// items collected within batchWindow of the first arrival. Inserts and
// updates are written with separate conflict strategies. Failures pass
// through bounded retry, then per-row fallback, then the dead-letter sink.
type Writer struct {
	store   *store.Store
	queue   *Queue
	breaker *Breaker
	dead    *store.DeadLetters
	pub     fanout.Publisher
}

// NewWriter wires the batch writer.
func NewWriter(st *store.Store, q *Queue, b *Breaker, dead *store.DeadLetters, pub fanout.Publisher) *Writer {
	return &Writer{store: st, queue: q, breaker: b, dead: dead, pub: pub}
}

// Run consumes the queue until ctx ends, then drains the backlog within the
// shutdown window.
func (w *Writer) Run(ctx context.Context) {
	slog.Info("batch writer started")
	for {
		select {
		case <-ctx.Done():
			w.drain()
			slog.Info("batch writer stopped")
			return
		default:
		}
		first, ok := w.queue.Get(ctx, firstItemWait)
		if !ok {
			continue
		}
		batch := w.gather(ctx, first)
		w.flush(ctx, batch)
	}
}

// gather collects up to batchMaxSize items within batchWindow of the first.
func (w *Writer) gather(ctx context.Context, first Item) []Item {
	batch := []Item{first}
	deadline := time.NewTimer(batchWindow)
	defer deadline.Stop()
	for len(batch) < batchMaxSize {
		select {
		case item := <-w.queue.ch:
			batch = append(batch, item)
		case <-deadline.C:
			return batch
		case <-ctx.Done():
			return batch
		}
	}
	return batch
}

func (w *Writer) flush(ctx context.Context, batch []Item) {
	if len(batch) == 0 {
		return
	}
	if !w.breaker.Allow() {
		slog.Warn("circuit breaker open, dead-lettering batch", "size", len(batch))
		for _, item := range batch {
			w.dead.Write(ctx, item.Row, "circuit breaker open")
		}
		return
	}

	var inserts, updates []Item
	for _, item := range batch {
		if item.Kind == ItemUpdate {
			updates = append(updates, item)
		} else {
			inserts = append(inserts, item)
		}
	}

	okInserts := w.writeGroup(ctx, inserts, true)
	okUpdates := w.writeGroup(ctx, updates, false)
	if okInserts && okUpdates {
		w.breaker.RecordSuccess()
	} else {
		w.breaker.RecordFailure()
	}
}

// writeGroup persists one conflict-strategy group: batch write with retry,
// then per-row fallback with dead-letter on the stragglers. Notifications go
// out only for rows that were actually persisted and are not suppressed.
func (w *Writer) writeGroup(ctx context.Context, items []Item, ignoreDuplicates bool) bool {
	if len(items) == 0 {
		return true
	}
	rows := make([]store.MessageRow, len(items))
	for i, item := range items {
		rows[i] = item.Row
	}
	err := w.writeWithRetry(ctx, rows, ignoreDuplicates)
	if err == nil {
		w.notify(ctx, items)
		return true
	}
	slog.Error("batch write failed, falling back to per-row writes",
		"size", len(items), "error", err)

	allOK := true
	for _, item := range items {
		if rerr := w.writeWithRetry(ctx, []store.MessageRow{item.Row}, ignoreDuplicates); rerr != nil {
			w.dead.Write(ctx, item.Row, rerr.Error())
			allOK = false
			continue
		}
		w.notify(ctx, []Item{item})
	}
	return allOK
}

// writeWithRetry retries transient storage errors with bounded exponential
// backoff before giving up.
func (w *Writer) writeWithRetry(ctx context.Context, rows []store.MessageRow, ignoreDuplicates bool) error {
	backoff := writeBackoffBase
	var err error
	for attempt := 1; attempt <= writeRetryAttempts; attempt++ {
		err = w.store.UpsertMessages(ctx, rows, ignoreDuplicates)
		if err == nil {
			return nil
		}
		if attempt == writeRetryAttempts || ctx.Err() != nil {
			break
		}
		slog.Warn("message write failed, retrying",
			"attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return err
		}
		backoff *= 2
		if backoff > writeBackoffMax {
			backoff = writeBackoffMax
		}
	}
	return err
}

func (w *Writer) notify(ctx context.Context, items []Item) {
	for _, item := range items {
		if item.Quiet {
			continue
		}
		event := fanout.EventInsert
		if item.Kind == ItemUpdate {
			event = fanout.EventUpdate
		}
		n := fanout.NewNotification(event, item.Row)
		if err := w.pub.Publish(ctx, n); err != nil {
			slog.Warn("notification publish failed",
				"group", item.Row.GroupID, "message", item.Row.SourceMessageID, "error", err)
		}
	}
}

// drain empties whatever is still queued at shutdown, bounded by the drain
// window. Uses a fresh context because the run context is already cancelled.
func (w *Writer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownDrain)
	defer cancel()
	for {
		item, ok := w.queue.TryGet()
		if !ok {
			return
		}
		batch := []Item{item}
		for len(batch) < batchMaxSize {
			next, more := w.queue.TryGet()
			if !more {
				break
			}
			batch = append(batch, next)
		}
		if ctx.Err() != nil {
			slog.Error("shutdown drain window exceeded, dead-lettering remainder",
				"remaining", len(batch)+w.queue.Len())
			for _, it := range batch {
				w.dead.Write(context.Background(), it.Row, "shutdown drain timeout")
			}
			for {
				it, more := w.queue.TryGet()
				if !more {
					return
				}
				w.dead.Write(context.Background(), it.Row, "shutdown drain timeout")
			}
		}
		w.flush(ctx, batch)
	}
}
