package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/chatscribe/chatscribe/internal/protocol"
	"github.com/chatscribe/chatscribe/internal/store"
)

func newTestBackfill(t *testing.T, st *store.Store, q *Queue, sessions ...protocol.Session) *Backfill {
	t.Helper()
	return NewBackfill(st, healthyPool(sessions...), q, NewResolver(st), NewStatusTracker(st))
}

func seedGroup(t *testing.T, st *store.Store, id string) {
	t.Helper()
	ctx := context.Background()
	if err := st.UpsertGroup(ctx, store.Group{ID: id, CrawlEnabled: true}); err != nil {
		t.Fatalf("seed group: %v", err)
	}
	if err := st.EnsureCrawlerStatus(ctx, []string{id}); err != nil {
		t.Fatalf("seed status: %v", err)
	}
}

func TestBackfillStreamsHistoryAndActivates(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seedGroup(t, st, "g1")

	sess := newFakeSession("acct1")
	sess.entities["g1"] = protocol.Entity{ID: "g1", Handle: "h1", Kind: protocol.EntityChat}
	for i := 0; i < 5; i++ {
		sess.history["g1"] = append(sess.history["g1"], remoteMsg(fmt.Sprintf("m%d", i), "g1", "old"))
	}

	q := NewQueue(100)
	bf := newTestBackfill(t, st, q, sess)
	// Drain the queue so the post-stream wait completes quickly.
	w := NewWriter(st, q, NewBreaker(), newTestDeadLetters(t, st), &testPublisher{})
	go w.Run(ctx)

	bf.RunGroup(ctx, "g1")

	status, err := st.GetCrawlerStatus(ctx, "g1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != store.StatusActive {
		t.Fatalf("status = %s, want active (%s)", status.Status, status.LastError)
	}
	waitFor(t, 10*time.Second, func() bool {
		n, _ := st.CountMessages(context.Background(), "g1")
		return n == 5
	})
}

func seedMessages(t *testing.T, st *store.Store, groupID string, n int) {
	t.Helper()
	var rows []store.MessageRow
	for i := 0; i < n; i++ {
		rows = append(rows, store.MessageRow{
			SourceMessageID: fmt.Sprintf("m%d", i), GroupID: groupID, SentAt: time.Now().UTC(),
		})
	}
	if err := st.UpsertMessages(context.Background(), rows, true); err != nil {
		t.Fatalf("seed messages: %v", err)
	}
}

func TestBackfillSweepSkipsSeededGroup(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, st, "g1")
	seedMessages(t, st, "g1", backfillSkipThreshold+1)

	sess := newFakeSession("acct1")
	sess.entities["g1"] = protocol.Entity{ID: "g1", Handle: "h1", Kind: protocol.EntityChat}
	bf := newTestBackfill(t, st, NewQueue(10), sess)

	bf.RunPending(ctx)

	if n := sess.streamed("g1"); n != 0 {
		t.Errorf("seeded group must not stream in the startup sweep, got %d calls", n)
	}
	status, _ := st.GetCrawlerStatus(ctx, "g1")
	if status.Status != store.StatusActive {
		t.Errorf("seeded group should go straight to active, got %s", status.Status)
	}
}

func TestBackfillRunGroupRecrawlsSeededGroup(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, st, "g1")
	seedMessages(t, st, "g1", backfillSkipThreshold+1)

	sess := newFakeSession("acct1")
	sess.entities["g1"] = protocol.Entity{ID: "g1", Handle: "h1", Kind: protocol.EntityChat}
	bf := newTestBackfill(t, st, NewQueue(10), sess)

	// Direct runs back the operator trigger; seeding never short-circuits it.
	bf.RunGroup(ctx, "g1")

	if n := sess.streamed("g1"); n != 1 {
		t.Fatalf("explicit re-crawl must stream, got %d calls", n)
	}
	status, _ := st.GetCrawlerStatus(ctx, "g1")
	if status.Status != store.StatusActive {
		t.Errorf("status = %s, want active", status.Status)
	}
}

func TestBackfillHistoryUnavailableGoesLiveOnly(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, st, "g1")

	sess := newFakeSession("acct1")
	sess.entities["g1"] = protocol.Entity{ID: "g1", Handle: "h1", Kind: protocol.EntityChat}
	sess.streamErr = protocol.ErrHistoryUnavailable
	bf := newTestBackfill(t, st, NewQueue(10), sess)

	bf.RunGroup(ctx, "g1")

	status, _ := st.GetCrawlerStatus(ctx, "g1")
	if status.Status != store.StatusActive {
		t.Fatalf("status = %s, want active", status.Status)
	}
	if status.LastError == "" {
		t.Error("live-only fallback should leave a note")
	}
}

func TestBackfillFloodWaitPenalizesGroup(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, st, "g1")

	sess := newFakeSession("acct1")
	sess.entities["g1"] = protocol.Entity{ID: "g1", Handle: "h1", Kind: protocol.EntityChat}
	sess.streamErr = &protocol.FloodWaitError{Wait: time.Hour}
	bf := newTestBackfill(t, st, NewQueue(10), sess)

	bf.RunGroup(ctx, "g1")

	if !bf.Penalized("g1") {
		t.Fatal("rate-limited group must carry a penalty")
	}
	// Next run is a no-op while the penalty holds.
	bf.RunGroup(ctx, "g1")
	if n := sess.streamed("g1"); n != 1 {
		t.Errorf("penalized group re-streamed: %d calls", n)
	}
}

func TestBackfillAccessDeniedErrorsGroup(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, st, "g1")

	sess := newFakeSession("acct1")
	sess.entities["g1"] = protocol.Entity{ID: "g1", Handle: "h1", Kind: protocol.EntityChat}
	sess.streamErr = &protocol.AccessDeniedError{Reason: "kicked from chat"}
	bf := newTestBackfill(t, st, NewQueue(10), sess)

	bf.RunGroup(ctx, "g1")

	status, _ := st.GetCrawlerStatus(ctx, "g1")
	if status.Status != store.StatusError {
		t.Fatalf("status = %s, want error", status.Status)
	}
	if status.ErrorCount != 1 {
		t.Errorf("error_count = %d, want 1", status.ErrorCount)
	}
}

func TestBackfillStreamFailureEvictsCachedEntity(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, st, "g1")

	sess := newFakeSession("acct1")
	sess.entities["g1"] = protocol.Entity{ID: "g1", Handle: "stale", Kind: protocol.EntityChat}
	sess.streamErr = errors.New("channel gone")
	res := NewResolver(st)
	bf := NewBackfill(st, healthyPool(sess), NewQueue(10), res, NewStatusTracker(st))

	bf.RunGroup(ctx, "g1")

	rows, err := st.LoadEntityCache(ctx)
	if err != nil {
		t.Fatalf("load entity cache: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("failing handle must be evicted from the cache, got %+v", rows)
	}

	// The next run resolves fresh instead of reusing the stale handle.
	bf.RunGroup(ctx, "g1")
	if resolve, _ := sess.calls(); resolve != 2 {
		t.Errorf("resolve calls = %d, want 2 (fresh lookup after eviction)", resolve)
	}
}

func TestBackfillNoResolvableSessionErrors(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, st, "g1")

	sess := newFakeSession("acct1") // knows nothing about g1
	bf := newTestBackfill(t, st, NewQueue(10), sess)

	bf.RunGroup(ctx, "g1")

	status, _ := st.GetCrawlerStatus(ctx, "g1")
	if status.Status != store.StatusError {
		t.Fatalf("status = %s, want error", status.Status)
	}
}
