package crawler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chatscribe/chatscribe/internal/fanout"
	"github.com/chatscribe/chatscribe/internal/protocol"
	"github.com/chatscribe/chatscribe/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestDeadLetters(t *testing.T, st *store.Store) *store.DeadLetters {
	t.Helper()
	return store.NewDeadLetters(st, filepath.Join(t.TempDir(), "dead.jsonl"))
}

// testPublisher records notifications instead of delivering them.
type testPublisher struct {
	mu     sync.Mutex
	events []fanout.Notification
}

func (p *testPublisher) Publish(ctx context.Context, n fanout.Notification) error {
	p.mu.Lock()
	p.events = append(p.events, n)
	p.mu.Unlock()
	return nil
}

func (p *testPublisher) Close() error { return nil }

func (p *testPublisher) published() []fanout.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]fanout.Notification(nil), p.events...)
}

// fakeSession is an in-memory protocol.Session for pipeline tests.
type fakeSession struct {
	account string
	events  chan protocol.Event

	mu           sync.Mutex
	entities     map[string]protocol.Entity
	dialogs      []protocol.Entity
	resolveErr   error
	streamErr    error
	history      map[string][]*protocol.RemoteMessage
	resolveCalls int
	dialogCalls  int
	streamCalls  map[string]int
}

func newFakeSession(account string) *fakeSession {
	return &fakeSession{
		account:     account,
		events:      make(chan protocol.Event, 32),
		entities:    make(map[string]protocol.Entity),
		history:     make(map[string][]*protocol.RemoteMessage),
		streamCalls: make(map[string]int),
	}
}

func (f *fakeSession) AccountID() string { return f.account }

func (f *fakeSession) Connect(ctx context.Context) error { return nil }

func (f *fakeSession) GetSelf(ctx context.Context) (protocol.Self, error) {
	return protocol.Self{ID: f.account}, nil
}

func (f *fakeSession) RunUntilDisconnected(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeSession) ResolveEntity(ctx context.Context, ref protocol.Ref) (protocol.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls++
	if f.resolveErr != nil {
		return protocol.Entity{}, f.resolveErr
	}
	if ent, ok := f.entities[ref.ID]; ok {
		return ent, nil
	}
	return protocol.Entity{}, fmt.Errorf("lookup %s: %w", ref.ID, protocol.ErrEntityNotResolvable)
}

func (f *fakeSession) ListDialogs(ctx context.Context) ([]protocol.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialogCalls++
	return f.dialogs, nil
}

func (f *fakeSession) StreamMessages(ctx context.Context, entity protocol.Entity, since time.Time, fn protocol.StreamFunc) error {
	f.mu.Lock()
	f.streamCalls[entity.ID]++
	err := f.streamErr
	msgs := append([]*protocol.RemoteMessage(nil), f.history[entity.ID]...)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if msg.SentAt.Before(since) {
			continue
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSession) DownloadMedia(ctx context.Context, msg *protocol.RemoteMessage) ([]byte, string, error) {
	return []byte("payload"), "image/jpeg", nil
}

func (f *fakeSession) Events() <-chan protocol.Event { return f.events }

func (f *fakeSession) Close() error {
	close(f.events)
	return nil
}

func (f *fakeSession) calls() (resolve, dialogs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolveCalls, f.dialogCalls
}

func (f *fakeSession) streamed(entityID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamCalls[entityID]
}

func remoteMsg(id, chat, text string) *protocol.RemoteMessage {
	return &protocol.RemoteMessage{
		ID:       id,
		ChatID:   chat,
		SenderID: "u1",
		Text:     text,
		SentAt:   time.Now().UTC(),
	}
}

// healthyPool marks every session connected so Healthy returns them first.
func healthyPool(sessions ...protocol.Session) *Pool {
	p := NewPool(sessions...)
	for _, s := range sessions {
		p.setHealthy(s.AccountID(), true)
	}
	return p
}
