package memorysink

import (
	"context"
	"fmt"
	"testing"

	"github.com/mcpkit/sessioncore/events"
)

func emitN(t *testing.T, s *Sink, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := s.Emit(context.Background(), events.Event{
			Kind:      events.KindSessionCreated,
			SessionID: fmt.Sprintf("s%d", i),
		})
		if err != nil {
			t.Fatalf("Emit %d: %v", i, err)
		}
	}
}

func TestRecentReturnsOldestFirst(t *testing.T) {
	s := New(8)
	emitN(t, s, 3)

	got := s.Recent()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, ev := range got {
		if want := fmt.Sprintf("s%d", i); ev.SessionID != want {
			t.Fatalf("event %d session = %s, want %s", i, ev.SessionID, want)
		}
	}
}

func TestOverflowEvictsOldest(t *testing.T) {
	s := New(4)
	emitN(t, s, 10)

	got := s.Recent()
	if len(got) != 4 {
		t.Fatalf("len = %d, want capacity 4", len(got))
	}
	if got[0].SessionID != "s6" || got[3].SessionID != "s9" {
		t.Fatalf("retained window = [%s..%s], want [s6..s9]", got[0].SessionID, got[3].SessionID)
	}
}

func TestTinyCapacity(t *testing.T) {
	s := New(0) // clamped to 1
	emitN(t, s, 2)
	got := s.Recent()
	if len(got) != 1 || got[0].SessionID != "s1" {
		t.Fatalf("recent = %+v, want only s1", got)
	}
}
