package fanout

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/chatscribe/chatscribe/internal/store"
)

func TestEncodeTruncatesOversizedContent(t *testing.T) {
	n := NewNotification(EventInsert, store.MessageRow{
		SourceMessageID: "m1",
		GroupID:         "g1",
		Content:         strings.Repeat("x", 20000),
		SentAt:          time.Now().UTC(),
	})
	data, err := Encode(n)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) > maxPayloadBytes {
		t.Fatalf("payload %d bytes, cap %d", len(data), maxPayloadBytes)
	}
	var decoded Notification
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasSuffix(decoded.Message.Content, "...") {
		t.Errorf("truncated content should end with ellipsis: %q", decoded.Message.Content[:50])
	}
	if got := len([]rune(decoded.Message.Content)); got != truncatedRunes+3 {
		t.Errorf("content length = %d runes, want %d", got, truncatedRunes+3)
	}
}

func TestEncodeSmallPayloadUntouched(t *testing.T) {
	n := NewNotification(EventUpdate, store.MessageRow{
		SourceMessageID: "m1", GroupID: "g1", Content: "short", SentAt: time.Now().UTC(),
	})
	data, err := Encode(n)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded Notification
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Message.Content != "short" {
		t.Errorf("content mutated: %q", decoded.Message.Content)
	}
	if decoded.ID == "" {
		t.Error("notification id missing")
	}
}

func TestBridgeDeliversToGroupSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := NewChannelTransport()
	bridge := NewBridge(transport)
	sub := bridge.Subscribe("g1")
	other := bridge.Subscribe("g2")
	done := make(chan struct{})
	go func() {
		bridge.Run(ctx)
		close(done)
	}()

	n := NewNotification(EventInsert, store.MessageRow{
		SourceMessageID: "m1", GroupID: "g1", Content: "hi", SentAt: time.Now().UTC(),
	})
	if err := transport.Publish(ctx, n); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-sub.Events():
		if got.Message.SourceMessageID != "m1" || got.GroupID != "g1" {
			t.Errorf("wrong notification: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the event")
	}
	select {
	case got := <-other.Events():
		t.Fatalf("g2 subscriber should not receive g1 events: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}

	bridge.Unsubscribe(sub)
	if _, open := <-sub.Events(); open {
		t.Error("unsubscribed channel should be closed")
	}
	cancel()
	<-done
}

func TestBridgeSlowSubscriberDropsAlone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := NewChannelTransport()
	bridge := NewBridge(transport)
	slow := bridge.Subscribe("g1")
	_ = slow // never drained
	fast := bridge.Subscribe("g1")
	go bridge.Run(ctx)

	total := subscriberQueueCap + 10
	for i := 0; i < total; i++ {
		n := NewNotification(EventInsert, store.MessageRow{
			SourceMessageID: "m", GroupID: "g1", SentAt: time.Now().UTC(),
		})
		if err := transport.Publish(ctx, n); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		// The fast subscriber keeps draining, so the publisher never blocks.
		select {
		case <-fast.Events():
		case <-time.After(2 * time.Second):
			t.Fatalf("fast subscriber starved at event %d", i)
		}
	}
	if bridge.Dropped() == 0 {
		t.Error("slow subscriber should have dropped events")
	}
}
