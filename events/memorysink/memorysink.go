// Package memorysink provides an in-memory, bounded ring of recent kernel
// events. It backs the introspection API's recent-events view.
package memorysink

import (
	"context"
	"sync"

	"github.com/mcpkit/sessioncore/events"
)

// Sink retains the most recent events up to a fixed capacity, evicting the
// oldest on overflow. Safe for concurrent use.
type Sink struct {
	mu    sync.Mutex
	ring  []events.Event
	next  int
	count int
}

// New creates a Sink retaining up to capacity events. A capacity below 1 is
// treated as 1.
func New(capacity int) *Sink {
	if capacity < 1 {
		capacity = 1
	}
	return &Sink{ring: make([]events.Event, capacity)}
}

func (s *Sink) Emit(ctx context.Context, ev events.Event) error {
	s.mu.Lock()
	s.ring[s.next] = ev
	s.next = (s.next + 1) % len(s.ring)
	if s.count < len(s.ring) {
		s.count++
	}
	s.mu.Unlock()
	return nil
}

// Recent returns the retained events, oldest first.
func (s *Sink) Recent() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, 0, s.count)
	start := s.next - s.count
	if start < 0 {
		start += len(s.ring)
	}
	for i := 0; i < s.count; i++ {
		out = append(out, s.ring[(start+i)%len(s.ring)])
	}
	return out
}

var _ events.Sink = (*Sink)(nil)
