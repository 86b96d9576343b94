package crawler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chatscribe/chatscribe/internal/protocol"
)

const (
	reconnectDelay       = 10 * time.Second
	maxReconnectAttempts = 10
)

// Pool owns the protocol sessions and their reconnect supervisors. Each
// session gets one supervisor goroutine: connect, validate identity, run
// until the connection drops, then retry on a fixed delay up to the attempt
// cap. Sessions that fail identity validation are dropped, not retried.
type Pool struct {
	mu       sync.RWMutex
	sessions []protocol.Session
	healthy  map[string]bool
}

// NewPool creates a pool over the configured sessions.
func NewPool(sessions ...protocol.Session) *Pool {
	return &Pool{
		sessions: sessions,
		healthy:  make(map[string]bool),
	}
}

// Start launches one supervisor per session.
func (p *Pool) Start(ctx context.Context, wg *sync.WaitGroup) {
	for _, sess := range p.sessions {
		wg.Add(1)
		go func(sess protocol.Session) {
			defer wg.Done()
			p.supervise(ctx, sess)
		}(sess)
	}
}

func (p *Pool) supervise(ctx context.Context, sess protocol.Session) {
	account := sess.AccountID()
	attempts := 0
	validated := false
	for {
		if ctx.Err() != nil {
			return
		}
		if err := sess.Connect(ctx); err != nil {
			p.setHealthy(account, false)
			attempts++
			slog.Warn("session connect failed",
				"account", account, "attempt", attempts, "error", err)
			if attempts >= maxReconnectAttempts {
				slog.Error("session giving up after repeated connect failures", "account", account)
				return
			}
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			continue
		}
		if !validated {
			self, err := sess.GetSelf(ctx)
			if err != nil {
				// Auth failure: the account is unusable until the operator
				// re-authorizes it.
				slog.Error("session identity check failed, dropping session",
					"account", account, "error", err)
				p.setHealthy(account, false)
				return
			}
			slog.Info("session validated", "account", account, "self", self.ID, "username", self.Username)
			validated = true
		}
		p.setHealthy(account, true)
		attempts = 0

		err := sess.RunUntilDisconnected(ctx)
		p.setHealthy(account, false)
		if ctx.Err() != nil || err == nil {
			return
		}
		attempts++
		slog.Warn("session disconnected, reconnecting",
			"account", account, "attempt", attempts, "error", err)
		if attempts >= maxReconnectAttempts {
			slog.Error("session giving up after repeated disconnects", "account", account)
			return
		}
		if !sleepCtx(ctx, reconnectDelay) {
			return
		}
	}
}

func (p *Pool) setHealthy(account string, ok bool) {
	p.mu.Lock()
	p.healthy[account] = ok
	p.mu.Unlock()
}

// Healthy returns connected sessions first so callers fail over naturally.
func (p *Pool) Healthy() []protocol.Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]protocol.Session, 0, len(p.sessions))
	for _, sess := range p.sessions {
		if p.healthy[sess.AccountID()] {
			out = append(out, sess)
		}
	}
	for _, sess := range p.sessions {
		if !p.healthy[sess.AccountID()] {
			out = append(out, sess)
		}
	}
	return out
}

// All returns every configured session.
func (p *Pool) All() []protocol.Session {
	return p.sessions
}

// IsHealthy reports one session's connection state.
func (p *Pool) IsHealthy(account string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy[account]
}

// CloseAll closes every session.
func (p *Pool) CloseAll() {
	for _, sess := range p.sessions {
		if err := sess.Close(); err != nil {
			slog.Warn("session close failed", "account", sess.AccountID(), "error", err)
		}
	}
}

// sleepCtx waits d, returning false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
