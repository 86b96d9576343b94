package protocol

import (
	"path/filepath"
	"testing"
)

func TestWhatsAppEmitAfterCloseDoesNotPanic(t *testing.T) {
	s := NewWhatsAppSession("acct", filepath.Join(t.TempDir(), "wa.db"))
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// More emits than the event buffer holds; none may panic.
	for i := 0; i < 300; i++ {
		s.emit(Event{Kind: EventNewMessage, ChatID: "g1"})
	}
}
