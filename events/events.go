// Package events defines the observability event surface of the session
// kernel. Components publish lifecycle events (session created/closed,
// breaker transitions, evictions) to a Sink; sinks are best-effort
// collaborators and must never be able to fail the dispatch path.
package events

import (
	"context"
	"time"
)

// Kind identifies the category of a kernel event.
type Kind string

const (
	KindSessionCreated Kind = "session.created"
	KindSessionClosed  Kind = "session.closed"
	KindSessionEvicted Kind = "session.evicted"
	KindBreakerState   Kind = "breaker.state"
)

// Event is a single observability record. Fields carries kind-specific
// details (e.g. old/new breaker state, eviction reason).
type Event struct {
	Kind      Kind              `json:"kind"`
	SessionID string            `json:"session_id,omitempty"`
	Name      string            `json:"name,omitempty"`
	At        time.Time         `json:"at"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Sink receives kernel events. Implementations must be safe for concurrent
// use. Errors are reported to the caller for logging but carry no delivery
// guarantee; the kernel treats every sink as fire-and-forget.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Nop is a Sink that discards every event.
var Nop Sink = SinkFunc(func(context.Context, Event) error { return nil })

// Tee fans an event out to every sink, returning the first error encountered
// after all sinks have been attempted.
type Tee []Sink

func (t Tee) Emit(ctx context.Context, ev Event) error {
	var firstErr error
	for _, s := range t {
		if err := s.Emit(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ Sink = Tee(nil)
