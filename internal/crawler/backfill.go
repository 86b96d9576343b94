package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatscribe/chatscribe/internal/protocol"
	"github.com/chatscribe/chatscribe/internal/store"
)

const (
	backfillLookback      = 14 * 24 * time.Hour
	backfillSkipThreshold = 50
	progressEvery         = 100
	pauseEvery            = 200
	pauseFor              = 1500 * time.Millisecond
	drainWait             = 60 * time.Second
)

// Backfill crawls historical messages for groups that have not been seeded
// yet. Rate-limit hits record a per-group penalty expiry and abort that
// group's iteration; the group is retried after the penalty lapses.
type Backfill struct {
	store    *store.Store
	pool     *Pool
	queue    *Queue
	resolver *Resolver
	status   *StatusTracker

	mu        sync.Mutex
	penalties map[string]time.Time
	inflight  map[string]bool
}

// NewBackfill wires the historical crawl controller.
func NewBackfill(st *store.Store, pool *Pool, q *Queue, res *Resolver, tracker *StatusTracker) *Backfill {
	return &Backfill{
		store:     st,
		pool:      pool,
		queue:     q,
		resolver:  res,
		status:    tracker,
		penalties: make(map[string]time.Time),
		inflight:  make(map[string]bool),
	}
}

// Penalized reports whether the group is inside a rate-limit penalty window.
func (b *Backfill) Penalized(groupID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Now().Before(b.penalties[groupID])
}

func (b *Backfill) penalize(groupID string, wait time.Duration) {
	until := time.Now().Add(wait)
	b.mu.Lock()
	b.penalties[groupID] = until
	b.mu.Unlock()
	slog.Warn("group penalized by rate limit", "group", groupID, "until", until)
}

// RunPending crawls every enabled group that is not already active. Groups
// marked active or already carrying history survive restarts without a
// re-crawl; an explicit operator trigger goes through RunGroup and always
// crawls.
func (b *Backfill) RunPending(ctx context.Context) {
	groups, err := b.store.ListEnabledGroups(ctx)
	if err != nil {
		slog.Error("backfill group listing failed", "error", err)
		return
	}
	activeIDs, err := b.store.ActiveGroupIDs(ctx)
	if err != nil {
		slog.Warn("active group lookup failed", "error", err)
	}
	active := make(map[string]bool, len(activeIDs))
	for _, id := range activeIDs {
		active[id] = true
	}
	for _, g := range groups {
		if ctx.Err() != nil {
			return
		}
		if active[g.ID] {
			continue
		}
		count, err := b.store.CountMessages(ctx, g.ID)
		if err != nil {
			slog.Warn("message count failed, assuming empty", "group", g.ID, "error", err)
		}
		if count > backfillSkipThreshold {
			slog.Info("group already seeded, skipping historical crawl",
				"group", g.ID, "messages", count)
			b.status.MarkActive(ctx, g.ID, "")
			continue
		}
		b.RunGroup(ctx, g.ID)
	}
}

// RunGroup runs the historical crawl for one group, unconditionally: the
// seeded-group skip applies only to the startup sweep. Concurrent runs for
// the same group collapse into one.
func (b *Backfill) RunGroup(ctx context.Context, groupID string) {
	b.mu.Lock()
	if b.inflight[groupID] {
		b.mu.Unlock()
		return
	}
	b.inflight[groupID] = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.inflight, groupID)
		b.mu.Unlock()
	}()

	if b.Penalized(groupID) {
		slog.Info("backfill skipped, group under rate-limit penalty", "group", groupID)
		return
	}

	b.status.MarkInitializing(ctx, groupID)
	slog.Info("historical crawl started", "group", groupID)

	var lastErr error
	for _, sess := range b.pool.Healthy() {
		ent, err := b.resolver.Resolve(ctx, sess, protocol.Ref{ID: groupID})
		if err != nil {
			if wait, ok := protocol.IsFloodWait(err); ok {
				b.penalize(groupID, wait)
				return
			}
			lastErr = err
			continue
		}

		err = b.stream(ctx, sess, ent)
		switch {
		case err == nil:
			b.drainThenActive(ctx, groupID)
			return
		case errors.Is(err, protocol.ErrHistoryUnavailable):
			slog.Info("provider has no history access, group goes live-only",
				"group", groupID, "account", sess.AccountID())
			b.status.MarkActive(ctx, groupID, "history unavailable, live capture only")
			return
		case protocol.IsAccessDenied(err):
			b.resolver.Forget(ctx, groupID)
			b.status.MarkError(ctx, groupID, err)
			if serr := b.store.SetGroupLastError(ctx, groupID, err.Error()); serr != nil {
				slog.Warn("record group error failed", "group", groupID, "error", serr)
			}
			return
		default:
			if wait, ok := protocol.IsFloodWait(err); ok {
				b.penalize(groupID, wait)
				return
			}
			// A stale cached handle can fail every stream; evict it so the
			// next attempt resolves fresh.
			b.resolver.Forget(ctx, groupID)
			lastErr = err
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no usable session: %w", protocol.ErrEntityNotResolvable)
	}
	b.status.MarkError(ctx, groupID, lastErr)
}

// stream replays the lookback window through the ingestion queue. Backfill
// items are quiet (no fan-out) and apply backpressure instead of dropping.
func (b *Backfill) stream(ctx context.Context, sess protocol.Session, ent protocol.Entity) error {
	since := time.Now().Add(-backfillLookback)
	count := 0
	err := sess.StreamMessages(ctx, ent, since, func(msg *protocol.RemoteMessage) error {
		row := buildRow(msg)
		if kind := ClassifyMedia(msg.Media); kind != MediaNone {
			// Historical media is recorded by kind only; no payload fetch.
			row.MediaKind = string(kind)
		}
		if err := b.queue.Put(ctx, Item{Kind: ItemInsert, Quiet: true, Row: row}); err != nil {
			return err
		}
		count++
		if count%progressEvery == 0 {
			b.status.Progress(ctx, ent.ID, count, 0)
		}
		if count%pauseEvery == 0 {
			if !sleepCtx(ctx, pauseFor) {
				return ctx.Err()
			}
		}
		return nil
	})
	if count > 0 {
		b.status.Progress(ctx, ent.ID, count, count)
	}
	if err != nil {
		return err
	}
	slog.Info("historical crawl streamed", "group", ent.ID, "messages", count)
	return nil
}

// drainThenActive waits for the queue to flush before declaring the group
// active; a drain timeout still activates, with a warning note.
func (b *Backfill) drainThenActive(ctx context.Context, groupID string) {
	deadline := time.Now().Add(drainWait)
	for b.queue.Len() > 0 && time.Now().Before(deadline) {
		if !sleepCtx(ctx, 500*time.Millisecond) {
			return
		}
	}
	if b.queue.Len() > 0 {
		slog.Warn("queue drain timed out after historical crawl",
			"group", groupID, "backlog", b.queue.Len())
		b.status.MarkActive(ctx, groupID, "queue drain timeout after historical crawl")
		return
	}
	b.status.MarkActive(ctx, groupID, "")
	slog.Info("historical crawl complete", "group", groupID)
}
