package crawler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chatscribe/chatscribe/internal/protocol"
)

const (
	gapfillInterval    = 30 * time.Minute
	gapfillLookback    = time.Hour
	gapfillMaxMessages = 500
)

// errGapfillLimit stops a stream once the per-group message cap is reached.
var errGapfillLimit = errors.New("gap-fill message cap reached")

// GapFill periodically re-streams a short recent window for every tracked
// group, catching messages lost across disconnects. Writes are quiet:
// duplicates are ignored on insert and subscribers are not re-notified.
type GapFill struct {
	registry *Registry
	pool     *Pool
	queue    *Queue
	resolver *Resolver
	backfill *Backfill
}

// NewGapFill wires the gap-fill controller. The backfill controller is
// shared for its per-group penalty bookkeeping.
func NewGapFill(reg *Registry, pool *Pool, q *Queue, res *Resolver, bf *Backfill) *GapFill {
	return &GapFill{registry: reg, pool: pool, queue: q, resolver: res, backfill: bf}
}

// Run sweeps on the fixed interval until ctx ends.
func (g *GapFill) Run(ctx context.Context) {
	ticker := time.NewTicker(gapfillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}

// Sweep runs one gap-fill pass over the tracked groups. Penalized groups are
// skipped for this cycle only.
func (g *GapFill) Sweep(ctx context.Context) {
	groups := g.registry.Snapshot()
	slog.Info("gap-fill sweep started", "groups", len(groups))
	for _, grp := range groups {
		if ctx.Err() != nil {
			return
		}
		if g.backfill.Penalized(grp.ID) {
			slog.Info("gap-fill skipped, group under rate-limit penalty", "group", grp.ID)
			continue
		}
		g.fillGroup(ctx, grp.ID)
	}
}

func (g *GapFill) fillGroup(ctx context.Context, groupID string) {
	for _, sess := range g.pool.Healthy() {
		ent, err := g.resolver.Resolve(ctx, sess, protocol.Ref{ID: groupID})
		if err != nil {
			if wait, ok := protocol.IsFloodWait(err); ok {
				g.backfill.penalize(groupID, wait)
				return
			}
			continue
		}

		count := 0
		since := time.Now().Add(-gapfillLookback)
		err = sess.StreamMessages(ctx, ent, since, func(msg *protocol.RemoteMessage) error {
			row := buildRow(msg)
			if kind := ClassifyMedia(msg.Media); kind != MediaNone {
				row.MediaKind = string(kind)
			}
			if err := g.queue.Put(ctx, Item{Kind: ItemInsert, Quiet: true, Row: row}); err != nil {
				return err
			}
			count++
			if count >= gapfillMaxMessages {
				return errGapfillLimit
			}
			return nil
		})
		switch {
		case err == nil, errors.Is(err, errGapfillLimit):
			if count > 0 {
				slog.Info("gap-fill recovered messages", "group", groupID, "messages", count)
			}
			return
		case errors.Is(err, protocol.ErrHistoryUnavailable):
			return
		default:
			if wait, ok := protocol.IsFloodWait(err); ok {
				g.backfill.penalize(groupID, wait)
				return
			}
			g.resolver.Forget(ctx, groupID)
			slog.Warn("gap-fill stream failed",
				"group", groupID, "account", sess.AccountID(), "error", err)
		}
	}
}
