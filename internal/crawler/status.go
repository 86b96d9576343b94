package crawler

import (
	"context"
	"log/slog"

	"github.com/chatscribe/chatscribe/internal/store"
)

// StatusTracker applies the per-group crawl state transitions: initializing
// on first sight or fresh trigger, active once the historical crawl lands (or
// live traffic flows), error on non-recoverable failures. Every transition
// stamps last_error and the activity timestamps in the status row.
type StatusTracker struct {
	store *store.Store
}

// NewStatusTracker wraps the store's crawler_status table.
func NewStatusTracker(st *store.Store) *StatusTracker {
	return &StatusTracker{store: st}
}

// MarkInitializing resets a group for a (re-)crawl.
func (t *StatusTracker) MarkInitializing(ctx context.Context, groupID string) {
	empty := ""
	zero := 0
	t.apply(ctx, groupID, store.StatusFields{
		Status:   store.StatusInitializing,
		Error:    &empty,
		Progress: &zero,
	})
}

// MarkActive moves a group to active. A non-empty note is kept as last_error
// (warnings such as a drain timeout or a history-less provider).
func (t *StatusTracker) MarkActive(ctx context.Context, groupID, note string) {
	t.apply(ctx, groupID, store.StatusFields{
		Status: store.StatusActive,
		Error:  &note,
	})
}

// MarkError records a failed crawl; the group stays in error until the next
// trigger or operator action.
func (t *StatusTracker) MarkError(ctx context.Context, groupID string, err error) {
	msg := err.Error()
	t.apply(ctx, groupID, store.StatusFields{
		Status: store.StatusError,
		Error:  &msg,
	})
}

// Progress updates the crawl counters while keeping the group initializing.
func (t *StatusTracker) Progress(ctx context.Context, groupID string, done, total int) {
	t.apply(ctx, groupID, store.StatusFields{
		Status:   store.StatusInitializing,
		Progress: &done,
		Total:    &total,
	})
}

// Touch refreshes activity on a live new message; active groups get their
// last-message stamp moved forward.
func (t *StatusTracker) Touch(ctx context.Context, groupID string) {
	t.apply(ctx, groupID, store.StatusFields{Status: store.StatusActive})
}

func (t *StatusTracker) apply(ctx context.Context, groupID string, f store.StatusFields) {
	if err := t.store.UpdateCrawlerStatus(ctx, groupID, f); err != nil {
		slog.Warn("crawler status update failed", "group", groupID, "status", f.Status, "error", err)
	}
}
