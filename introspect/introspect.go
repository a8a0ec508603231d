// Package introspect exposes the kernel's read-only observability surface
// over HTTP: live session snapshots, breaker states, cache effectiveness,
// heartbeat bookkeeping, and the recent-event ring, plus a websocket stream
// of events as they happen. It never mutates kernel state.
package introspect

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mcpkit/sessioncore/breaker"
	"github.com/mcpkit/sessioncore/events"
	"github.com/mcpkit/sessioncore/events/memorysink"
	"github.com/mcpkit/sessioncore/sessions"
	"github.com/mcpkit/sessioncore/validation"
)

// Server serves the introspection API. It also implements events.Sink so it
// can be wired into the kernel's sink tee and broadcast live events to
// websocket subscribers.
type Server struct {
	registry *sessions.Registry
	monitor  *sessions.HeartbeatMonitor
	breakers *breaker.Registry
	cache    *validation.Cache
	recent   *memorysink.Sink
	log      *slog.Logger

	mu          sync.Mutex
	subscribers map[chan events.Event]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer builds the introspection server over the kernel's components.
// Any component may be nil; its endpoints then report empty data.
func NewServer(
	registry *sessions.Registry,
	monitor *sessions.HeartbeatMonitor,
	breakers *breaker.Registry,
	cache *validation.Cache,
	recent *memorysink.Sink,
	opts ...Option,
) *Server {
	s := &Server{
		registry:    registry,
		monitor:     monitor,
		breakers:    breakers,
		cache:       cache,
		recent:      recent,
		log:         slog.Default(),
		subscribers: make(map[chan events.Event]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Router returns the HTTP handler for the introspection API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/sessions", s.handleSessions)
		r.Get("/sessions/{id}", s.handleSession)
		r.Get("/breakers", s.handleBreakers)
		r.Get("/heartbeats", s.handleHeartbeats)
		r.Get("/cache", s.handleCache)
		r.Get("/events", s.handleEvents)
		r.Get("/events/stream", s.handleEventStream)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeJSON(w, http.StatusOK, []sessions.Snapshot{})
		return
	}
	snaps := s.registry.Snapshots()
	if snaps == nil {
		snaps = []sessions.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.registry == nil {
		writeError(w, http.StatusNotFound, "no such session")
		return
	}
	sess, err := s.registry.Get(id)
	switch {
	case errors.Is(err, sessions.ErrSessionNotFound) && s.registry.WasClosed(id):
		writeError(w, http.StatusGone, "session closed")
		return
	case err != nil:
		writeError(w, http.StatusNotFound, "no such session")
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	if s.breakers == nil {
		writeJSON(w, http.StatusOK, []breaker.Snapshot{})
		return
	}
	snaps := s.breakers.Snapshots()
	if snaps == nil {
		snaps = []breaker.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleHeartbeats(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeJSON(w, http.StatusOK, []sessions.HeartbeatRecord{})
		return
	}
	recs := s.monitor.Records()
	if recs == nil {
		recs = []sessions.HeartbeatRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeJSON(w, http.StatusOK, validation.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.recent == nil {
		writeJSON(w, http.StatusOK, []events.Event{})
		return
	}
	evs := s.recent.Recent()
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}
