package crawler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/chatscribe/chatscribe/internal/protocol"
)

func TestGapFillSkipsPenalizedGroupOnly(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, st, "g1")
	seedGroup(t, st, "g2")

	sess := newFakeSession("acct1")
	sess.entities["g1"] = protocol.Entity{ID: "g1", Handle: "h1", Kind: protocol.EntityChat}
	sess.entities["g2"] = protocol.Entity{ID: "g2", Handle: "h2", Kind: protocol.EntityChat}
	sess.history["g2"] = []*protocol.RemoteMessage{remoteMsg("m1", "g2", "missed")}

	reg := NewRegistry(st, nil)
	if err := reg.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	pool := healthyPool(sess)
	res := NewResolver(st)
	q := NewQueue(100)
	bf := NewBackfill(st, pool, q, res, NewStatusTracker(st))
	bf.penalize("g1", time.Hour)
	gf := NewGapFill(reg, pool, q, res, bf)

	gf.Sweep(ctx)

	if n := sess.streamed("g1"); n != 0 {
		t.Errorf("penalized group streamed %d times, want 0", n)
	}
	if n := sess.streamed("g2"); n != 1 {
		t.Errorf("healthy group streamed %d times, want 1", n)
	}

	item, ok := q.TryGet()
	if !ok {
		t.Fatal("gap-fill should have enqueued the missed message")
	}
	if !item.Quiet {
		t.Error("gap-fill items must not broadcast")
	}
	if item.Row.SourceMessageID != "m1" || item.Row.GroupID != "g2" {
		t.Errorf("unexpected item: %+v", item.Row)
	}
}

func TestGapFillRespectsMessageCap(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, st, "g1")

	sess := newFakeSession("acct1")
	sess.entities["g1"] = protocol.Entity{ID: "g1", Handle: "h1", Kind: protocol.EntityChat}
	for i := 0; i < gapfillMaxMessages+50; i++ {
		sess.history["g1"] = append(sess.history["g1"], remoteMsg(fmt.Sprintf("m%d", i), "g1", "x"))
	}

	reg := NewRegistry(st, nil)
	if err := reg.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	pool := healthyPool(sess)
	res := NewResolver(st)
	q := NewQueue(gapfillMaxMessages + 100)
	bf := NewBackfill(st, pool, q, res, NewStatusTracker(st))
	gf := NewGapFill(reg, pool, q, res, bf)

	gf.Sweep(ctx)

	if q.Len() != gapfillMaxMessages {
		t.Errorf("enqueued %d messages, cap is %d", q.Len(), gapfillMaxMessages)
	}
}

func TestGapFillFloodWaitPenalizes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, st, "g1")

	sess := newFakeSession("acct1")
	sess.entities["g1"] = protocol.Entity{ID: "g1", Handle: "h1", Kind: protocol.EntityChat}
	sess.streamErr = &protocol.FloodWaitError{Wait: time.Hour}

	reg := NewRegistry(st, nil)
	if err := reg.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	pool := healthyPool(sess)
	res := NewResolver(st)
	q := NewQueue(10)
	bf := NewBackfill(st, pool, q, res, NewStatusTracker(st))
	gf := NewGapFill(reg, pool, q, res, bf)

	gf.Sweep(ctx)

	if !bf.Penalized("g1") {
		t.Error("gap-fill rate limit must penalize the group")
	}
}
