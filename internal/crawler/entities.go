package crawler

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatscribe/chatscribe/internal/protocol"
	"github.com/chatscribe/chatscribe/internal/store"
)

const (
	entityCacheCap = 5000
	dialogCooldown = 10 * time.Minute
	resolveSlots   = 3
)

type cacheEntry struct {
	id  string
	ent protocol.Entity
}

// Resolver turns external chat ids into routable entities. Resolution order:
// in-memory LRU (backed by the persisted entity_cache table), direct provider
// lookup, a cooldown-throttled dialog-list warm that caches every discovered
// entity, then one final direct retry. A shared semaphore bounds concurrent
// provider calls.
type Resolver struct {
	store *store.Store
	sem   *semaphore

	mu             sync.Mutex
	entries        map[string]*list.Element
	order          *list.List
	lastDialogScan time.Time
}

// NewResolver creates an empty resolver; Load warms it from the store.
func NewResolver(st *store.Store) *Resolver {
	return &Resolver{
		store:   st,
		sem:     newSemaphore(resolveSlots),
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Load primes the LRU from the persisted entity cache.
func (r *Resolver) Load(ctx context.Context) error {
	rows, err := r.store.LoadEntityCache(ctx)
	if err != nil {
		return fmt.Errorf("load entity cache: %w", err)
	}
	for _, row := range rows {
		r.cachePut(protocol.Entity{
			ID:     row.ChatID,
			Handle: row.Handle,
			Kind:   protocol.EntityKind(row.Kind),
		}, false)
	}
	slog.Info("entity cache loaded", "entries", len(rows))
	return nil
}

// Resolve finds the entity for ref using the given session. Rate-limit
// errors propagate unchanged so callers can record penalties; exhausted
// resolution wraps ErrEntityNotResolvable.
func (r *Resolver) Resolve(ctx context.Context, sess protocol.Session, ref protocol.Ref) (protocol.Entity, error) {
	if ent, ok := r.cached(ref.ID); ok {
		return ent, nil
	}
	if err := r.sem.acquire(ctx); err != nil {
		return protocol.Entity{}, err
	}
	defer r.sem.release()
	// Another resolver may have finished this id while we waited.
	if ent, ok := r.cached(ref.ID); ok {
		return ent, nil
	}

	ent, err := sess.ResolveEntity(ctx, ref)
	if err == nil {
		r.remember(ctx, ent)
		return ent, nil
	}
	if _, isFlood := protocol.IsFloodWait(err); isFlood {
		return protocol.Entity{}, err
	}

	if r.dialogScanDue() {
		if ent, ok := r.warmFromDialogs(ctx, sess, ref.ID); ok {
			return ent, nil
		}
	}

	ent, err = sess.ResolveEntity(ctx, ref)
	if err == nil {
		r.remember(ctx, ent)
		return ent, nil
	}
	if _, isFlood := protocol.IsFloodWait(err); isFlood {
		return protocol.Entity{}, err
	}
	return protocol.Entity{}, fmt.Errorf("resolve %s: %w", ref.ID, protocol.ErrEntityNotResolvable)
}

// Forget evicts a stale entry from memory and the persisted cache, forcing a
// fresh resolution next time.
func (r *Resolver) Forget(ctx context.Context, chatID string) {
	r.mu.Lock()
	if el, ok := r.entries[chatID]; ok {
		r.order.Remove(el)
		delete(r.entries, chatID)
	}
	r.mu.Unlock()
	if err := r.store.DeleteEntity(ctx, chatID); err != nil {
		slog.Warn("entity cache delete failed", "chat", chatID, "error", err)
	}
}

// warmFromDialogs runs the expensive full dialog enumeration, caching every
// entity it returns, and reports whether the wanted id turned up.
func (r *Resolver) warmFromDialogs(ctx context.Context, sess protocol.Session, wantID string) (protocol.Entity, bool) {
	dialogs, err := sess.ListDialogs(ctx)
	if err != nil {
		slog.Warn("dialog warm failed", "account", sess.AccountID(), "error", err)
		return protocol.Entity{}, false
	}
	slog.Info("dialog warm complete", "account", sess.AccountID(), "dialogs", len(dialogs))
	var found protocol.Entity
	var ok bool
	for _, ent := range dialogs {
		r.remember(ctx, ent)
		if ent.ID == wantID {
			found, ok = ent, true
		}
	}
	return found, ok
}

func (r *Resolver) dialogScanDue() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.lastDialogScan) < dialogCooldown {
		return false
	}
	r.lastDialogScan = time.Now()
	return true
}

func (r *Resolver) cached(chatID string) (protocol.Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.entries[chatID]
	if !ok {
		return protocol.Entity{}, false
	}
	r.order.MoveToFront(el)
	return el.Value.(*cacheEntry).ent, true
}

func (r *Resolver) remember(ctx context.Context, ent protocol.Entity) {
	evicted := r.cachePut(ent, true)
	for _, id := range evicted {
		if err := r.store.DeleteEntity(ctx, id); err != nil {
			slog.Warn("entity cache trim failed", "chat", id, "error", err)
		}
	}
	if err := r.store.SaveEntity(ctx, store.EntityRow{
		ChatID: ent.ID,
		Handle: ent.Handle,
		Kind:   string(ent.Kind),
	}); err != nil {
		slog.Warn("entity cache save failed", "chat", ent.ID, "error", err)
	}
}

// cachePut inserts into the LRU, returning ids evicted by the size cap when
// trim is set.
func (r *Resolver) cachePut(ent protocol.Entity, trim bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.entries[ent.ID]; ok {
		el.Value.(*cacheEntry).ent = ent
		r.order.MoveToFront(el)
		return nil
	}
	r.entries[ent.ID] = r.order.PushFront(&cacheEntry{id: ent.ID, ent: ent})
	if !trim {
		return nil
	}
	var evicted []string
	for len(r.entries) > entityCacheCap {
		oldest := r.order.Back()
		if oldest == nil {
			break
		}
		entry := oldest.Value.(*cacheEntry)
		r.order.Remove(oldest)
		delete(r.entries, entry.id)
		evicted = append(evicted, entry.id)
	}
	return evicted
}

// CacheSize reports the current LRU population for status output.
func (r *Resolver) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
