package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

// subscriberQueueCap bounds each subscriber's delivery queue. A full queue
// drops events for that subscriber only; the publisher never blocks.
const subscriberQueueCap = 64

// Subscriber is one live consumer of a group's change events.
type Subscriber struct {
	GroupID string
	ch      chan Notification
}

// Events returns the subscriber's delivery queue.
func (s *Subscriber) Events() <-chan Notification { return s.ch }

// Bridge consumes the change channel and fans notifications out to the
// in-process subscriber registry, keyed by group id.
type Bridge struct {
	source Source

	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{}

	dropped atomic.Int64
}

// NewBridge creates a bridge over the given source.
func NewBridge(source Source) *Bridge {
	return &Bridge{
		source: source,
		subs:   make(map[string]map[*Subscriber]struct{}),
	}
}

// Subscribe registers a new subscriber for one group's events.
func (b *Bridge) Subscribe(groupID string) *Subscriber {
	sub := &Subscriber{GroupID: groupID, ch: make(chan Notification, subscriberQueueCap)}
	b.mu.Lock()
	if b.subs[groupID] == nil {
		b.subs[groupID] = make(map[*Subscriber]struct{})
	}
	b.subs[groupID][sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its queue.
func (b *Bridge) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	if set, ok := b.subs[sub.GroupID]; ok {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			close(sub.ch)
		}
		if len(set) == 0 {
			delete(b.subs, sub.GroupID)
		}
	}
	b.mu.Unlock()
}

// SubscriberCount reports the number of live subscribers for a group.
func (b *Bridge) SubscriberCount(groupID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[groupID])
}

// Run starts the source and dispatches until ctx ends or the source
// channel closes. Intended to run as its own goroutine.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.source.Start(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-b.source.Messages():
			if !ok {
				return nil
			}
			var n Notification
			if err := json.Unmarshal(data, &n); err != nil {
				slog.Warn("fanout bridge: bad notification payload", "error", err)
				continue
			}
			b.dispatch(n)
		}
	}
}

// Dropped reports how many events were lost to full subscriber queues.
func (b *Bridge) Dropped() int64 { return b.dropped.Load() }

func (b *Bridge) dispatch(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[n.GroupID] {
		select {
		case sub.ch <- n:
		default:
			// Backpressure isolation: this subscriber loses the event,
			// everyone else still gets it.
			b.dropped.Add(1)
			slog.Warn("fanout bridge: subscriber queue full, dropping event",
				"group", n.GroupID, "event", n.Event)
		}
	}
}
