package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/chatscribe/chatscribe/internal/fanout"
	"github.com/chatscribe/chatscribe/internal/media"
	"github.com/chatscribe/chatscribe/internal/protocol"
	"github.com/chatscribe/chatscribe/internal/store"
)

// Engine owns the whole ingestion pipeline: session pool, captures, queue,
// batch writer, caches and the crawl controllers. One engine per data
// directory; an exclusive lock file keeps a second engine from sharing the
// same protocol sessions.
type Engine struct {
	store    *store.Store
	pub      fanout.Publisher
	media    media.Store
	queue    *Queue
	breaker  *Breaker
	dead     *store.DeadLetters
	writer   *Writer
	resolver *Resolver
	status   *StatusTracker
	registry *Registry
	pool     *Pool
	backfill *Backfill
	gapfill  *GapFill

	lockPath string

	mu      sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	runCtx  context.Context
	wg      sync.WaitGroup
}

// NewEngine assembles the pipeline over the given sessions. dataDir holds
// the lock file and the dead-letter fallback file.
func NewEngine(st *store.Store, sessions []protocol.Session, pub fanout.Publisher,
	ms media.Store, dataDir string) *Engine {
	e := &Engine{
		store:    st,
		pub:      pub,
		media:    ms,
		queue:    NewQueue(queueCapacity),
		breaker:  NewBreaker(),
		dead:     store.NewDeadLetters(st, filepath.Join(dataDir, "dead_letters.jsonl")),
		resolver: NewResolver(st),
		status:   NewStatusTracker(st),
		pool:     NewPool(sessions...),
		lockPath: filepath.Join(dataDir, "engine.lock"),
	}
	e.writer = NewWriter(st, e.queue, e.breaker, e.dead, pub)
	e.registry = NewRegistry(st, e.onNewGroup)
	e.backfill = NewBackfill(st, e.pool, e.queue, e.resolver, e.status)
	e.gapfill = NewGapFill(e.registry, e.pool, e.queue, e.resolver, e.backfill)
	return e
}

func (e *Engine) onNewGroup(ctx context.Context, groupID string) {
	go e.backfill.RunGroup(ctx, groupID)
}

// Start launches the pipeline. It fails if another engine holds the lock
// file for this data directory.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return fmt.Errorf("engine already running")
	}
	if err := e.acquireLock(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.runCtx = runCtx
	e.cancel = cancel

	if err := e.resolver.Load(runCtx); err != nil {
		slog.Warn("entity cache load failed, starting cold", "error", err)
	}
	if err := e.registry.Refresh(runCtx); err != nil {
		slog.Warn("initial group refresh failed", "error", err)
	}

	e.pool.Start(runCtx, &e.wg)
	for _, sess := range e.pool.All() {
		capture := NewCapture(sess, e.queue, e.store, e.dead, e.pub, e.media, e.registry, e.status)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			capture.Run(runCtx)
		}()
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.writer.Run(runCtx)
	}()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.registry.Run(runCtx)
	}()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.gapfill.Run(runCtx)
	}()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.backfill.RunPending(runCtx)
	}()

	e.running.Store(true)
	slog.Info("engine started", "sessions", len(e.pool.All()))
	return nil
}

// Stop cancels the controllers, lets the writer drain its bounded window,
// then disconnects sessions and releases the lock.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running.Load() {
		return
	}
	slog.Info("engine stopping")
	e.cancel()
	e.wg.Wait()
	e.pool.CloseAll()
	e.releaseLock()
	e.running.Store(false)
	e.runCtx = nil
	slog.Info("engine stopped")
}

// Restart performs a full stop and start.
func (e *Engine) Restart(ctx context.Context) error {
	e.Stop()
	return e.Start(ctx)
}

// Running reports whether the pipeline is up.
func (e *Engine) Running() bool { return e.running.Load() }

// TriggerBackfill resets one group and re-runs its historical crawl.
func (e *Engine) TriggerBackfill(ctx context.Context, groupID string) error {
	e.mu.Lock()
	runCtx := e.runCtx
	e.mu.Unlock()
	if runCtx == nil {
		return fmt.Errorf("engine not running")
	}
	e.status.MarkInitializing(ctx, groupID)
	go e.backfill.RunGroup(runCtx, groupID)
	return nil
}

// SessionStatus is one session's health in a status report.
type SessionStatus struct {
	Account string `json:"account"`
	Healthy bool   `json:"healthy"`
}

// Status is the engine's aggregate operational snapshot.
type Status struct {
	Running         bool                  `json:"running"`
	QueueLen        int                   `json:"queue_len"`
	QueueCap        int                   `json:"queue_cap"`
	Breaker         string                `json:"breaker"`
	EntityCacheSize int                   `json:"entity_cache_size"`
	Sessions        []SessionStatus       `json:"sessions"`
	Groups          []store.CrawlerStatus `json:"groups"`
}

// Snapshot builds the status report.
func (e *Engine) Snapshot(ctx context.Context) (Status, error) {
	groups, err := e.store.ListCrawlerStatus(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("list crawler status: %w", err)
	}
	st := Status{
		Running:         e.running.Load(),
		QueueLen:        e.queue.Len(),
		QueueCap:        e.queue.Cap(),
		Breaker:         e.breaker.State(),
		EntityCacheSize: e.resolver.CacheSize(),
		Groups:          groups,
	}
	for _, sess := range e.pool.All() {
		st.Sessions = append(st.Sessions, SessionStatus{
			Account: sess.AccountID(),
			Healthy: e.pool.IsHealthy(sess.AccountID()),
		})
	}
	return st, nil
}

func (e *Engine) acquireLock() error {
	if err := os.MkdirAll(filepath.Dir(e.lockPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	f, err := os.OpenFile(e.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("engine lock %s held by another process", e.lockPath)
		}
		return fmt.Errorf("acquire engine lock: %w", err)
	}
	fmt.Fprintln(f, strconv.Itoa(os.Getpid()))
	return f.Close()
}

func (e *Engine) releaseLock() {
	if err := os.Remove(e.lockPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("engine lock release failed", "path", e.lockPath, "error", err)
	}
}
