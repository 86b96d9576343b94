package crawler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chatscribe/chatscribe/internal/store"
)

const (
	registryRefresh = 5 * time.Minute
	enabledCacheTTL = 60 * time.Second
	enabledCacheCap = 1000
)

type enabledEntry struct {
	value   bool
	expires time.Time
}

// Registry holds the crawl-enabled group set, refreshed from the store on a
// fixed interval. The map is rebuilt then swapped so readers never see a
// partial view. Newly appearing groups trigger the onNew callback (backfill).
type Registry struct {
	store *store.Store
	onNew func(ctx context.Context, groupID string)

	mu      sync.RWMutex
	groups  map[string]store.Group
	enabled map[string]enabledEntry
	primed  bool
}

// NewRegistry creates an empty registry; call Refresh before first use.
func NewRegistry(st *store.Store, onNew func(ctx context.Context, groupID string)) *Registry {
	return &Registry{
		store:   st,
		onNew:   onNew,
		groups:  make(map[string]store.Group),
		enabled: make(map[string]enabledEntry),
	}
}

// Refresh rebuilds the group set from the store and fires onNew for groups
// not seen before. The first refresh primes silently so a restart does not
// re-trigger backfill for every known group.
func (r *Registry) Refresh(ctx context.Context) error {
	groups, err := r.store.ListEnabledGroups(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]store.Group, len(groups))
	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		next[g.ID] = g
		ids = append(ids, g.ID)
	}
	if err := r.store.EnsureCrawlerStatus(ctx, ids); err != nil {
		slog.Warn("ensure crawler status failed", "error", err)
	}

	var fresh []string
	r.mu.Lock()
	if r.primed {
		for id := range next {
			if _, known := r.groups[id]; !known {
				fresh = append(fresh, id)
			}
		}
	}
	r.groups = next
	r.primed = true
	r.mu.Unlock()

	for _, id := range fresh {
		slog.Info("new group detected", "group", id)
		if r.onNew != nil {
			r.onNew(ctx, id)
		}
	}
	return nil
}

// Run refreshes on the fixed interval until ctx ends.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(registryRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				slog.Warn("group registry refresh failed", "error", err)
			}
		}
	}
}

// Tracked reports whether the group is in the current enabled set.
func (r *Registry) Tracked(groupID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.groups[groupID]
	return ok
}

// Snapshot returns the current enabled group set.
func (r *Registry) Snapshot() []store.Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	return out
}

// Enabled answers the per-group ingest switch, caching store lookups for a
// short TTL so the hot capture path stays off the database.
func (r *Registry) Enabled(ctx context.Context, groupID string) bool {
	now := time.Now()
	r.mu.RLock()
	if e, ok := r.enabled[groupID]; ok && now.Before(e.expires) {
		r.mu.RUnlock()
		return e.value
	}
	r.mu.RUnlock()

	value, err := r.store.IsGroupEnabled(ctx, groupID)
	if err != nil {
		slog.Warn("enabled lookup failed", "group", groupID, "error", err)
		return true
	}

	r.mu.Lock()
	if len(r.enabled) >= enabledCacheCap {
		for id, e := range r.enabled {
			if !now.Before(e.expires) {
				delete(r.enabled, id)
			}
		}
		for id := range r.enabled {
			if len(r.enabled) < enabledCacheCap {
				break
			}
			delete(r.enabled, id)
		}
	}
	r.enabled[groupID] = enabledEntry{value: value, expires: now.Add(enabledCacheTTL)}
	r.mu.Unlock()
	return value
}
