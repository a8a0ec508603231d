package introspect

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/mcpkit/sessioncore/events"
)

// subscriberBuffer bounds the per-subscriber event queue. A subscriber that
// falls this far behind starts losing events rather than stalling emitters.
const subscriberBuffer = 64

var _ events.Sink = (*Server)(nil)

// Emit implements events.Sink by broadcasting the event to every websocket
// subscriber. Delivery is best effort: slow subscribers drop events.
func (s *Server) Emit(ctx context.Context, ev events.Event) error {
	s.mu.Lock()
	for ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *Server) subscribe() chan events.Event {
	ch := make(chan events.Event, subscriberBuffer)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan events.Event) {
	s.mu.Lock()
	delete(s.subscribers, ch)
	s.mu.Unlock()
}

// handleEventStream upgrades to a websocket and forwards kernel events as
// JSON messages until the client disconnects.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case ev := <-ch:
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				s.log.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}
