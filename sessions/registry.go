package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpkit/sessioncore/events"
)

// Errors returned by the registry.
var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionClosed     = errors.New("session closed")
	ErrDuplicateSession  = errors.New("session already exists")
	ErrTooManySessions   = errors.New("session limit reached")
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// Registry owns the live session set. The session map has its own lock;
// per-session mutation happens under each session's lock so sweeps and
// unrelated traffic never serialize on a single global lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	// recentlyClosed distinguishes "unknown because never seen" from
	// "unknown because closed" for SessionClosedError reporting.
	recentlyClosed map[string]time.Time

	maxSessions int
	now         func() time.Time
	log         *slog.Logger
	sink        events.Sink
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithSink sets the event sink receiving session lifecycle events.
func WithSink(s events.Sink) RegistryOption {
	return func(r *Registry) {
		if s != nil {
			r.sink = s
		}
	}
}

// WithMaxSessions caps the number of live sessions; 0 means unbounded.
func WithMaxSessions(n int) RegistryOption {
	return func(r *Registry) { r.maxSessions = n }
}

// WithClock overrides the registry's time source. Intended for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions:       make(map[string]*Session),
		recentlyClosed: make(map[string]time.Time),
		now:            time.Now,
		log:            slog.Default(),
		sink:           events.Nop,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Create registers a new session. An empty id generates one. Creating an id
// that is already live fails with ErrDuplicateSession.
func (r *Registry) Create(id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return nil, ErrDuplicateSession
	}
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return nil, ErrTooManySessions
	}
	s := newSession(id, r.now, r.log)
	r.sessions[id] = s
	delete(r.recentlyClosed, id)
	r.mu.Unlock()

	r.log.Info("session created", "session_id", id)
	_ = r.sink.Emit(context.Background(), events.Event{
		Kind:      events.KindSessionCreated,
		SessionID: id,
		At:        r.now(),
	})
	return s, nil
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// WasClosed reports whether id belonged to a session that has been closed.
func (r *Registry) WasClosed(id string) bool {
	r.mu.RLock()
	_, ok := r.recentlyClosed[id]
	r.mu.RUnlock()
	return ok
}

// RecordMessage bumps the session's message counter and activity time.
func (r *Registry) RecordMessage(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.RecordMessage()
}

// RecordError bumps the session's error counter and activity time.
func (r *Registry) RecordError(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.RecordError()
}

// AddOperation registers an in-flight operation with its cancel function.
func (r *Registry) AddOperation(id, opID string, cancel context.CancelFunc) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.AddOperation(opID, cancel)
}

// RemoveOperation drops a completed operation from its session.
func (r *Registry) RemoveOperation(id, opID string) {
	if s, err := r.Get(id); err == nil {
		s.RemoveOperation(opID)
	}
}

// Close transitions the session to closed, cancelling its in-flight
// operations, and removes it from the registry. Closing an unknown or
// already-closed session is a no-op.
func (r *Registry) Close(id string) error {
	return r.closeWithReason(id, "")
}

func (r *Registry) closeWithReason(id, reason string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		r.recentlyClosed[id] = r.now()
		r.pruneClosedLocked()
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if s.close() {
		r.log.Info("session closed", "session_id", id, "reason", reason)
		fields := map[string]string{}
		if reason != "" {
			fields["reason"] = reason
		}
		_ = r.sink.Emit(context.Background(), events.Event{
			Kind:      events.KindSessionClosed,
			SessionID: id,
			At:        r.now(),
			Fields:    fields,
		})
	}
	return nil
}

// closedRetention bounds the recently-closed set so ids from long-dead
// sessions eventually stop reporting as closed.
const (
	closedRetention  = time.Hour
	closedMaxEntries = 4096
)

func (r *Registry) pruneClosedLocked() {
	if len(r.recentlyClosed) <= closedMaxEntries {
		return
	}
	cutoff := r.now().Add(-closedRetention)
	for id, at := range r.recentlyClosed {
		if at.Before(cutoff) {
			delete(r.recentlyClosed, id)
		}
	}
}

// CleanupIdle closes every session whose idle time exceeds maxIdle and
// returns how many were closed.
func (r *Registry) CleanupIdle(maxIdle time.Duration) int {
	r.mu.RLock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	closed := 0
	for _, s := range candidates {
		if s.IdleTime() > maxIdle {
			if err := r.closeWithReason(s.ID(), "idle timeout"); err == nil {
				closed++
			}
		}
	}
	if closed > 0 {
		r.log.Info("idle session cleanup", "closed", closed, "max_idle", maxIdle)
	}
	return closed
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns the live sessions in unspecified order.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Snapshots returns a point-in-time view of every live session.
func (r *Registry) Snapshots() []Snapshot {
	sessions := r.All()
	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Shutdown closes every live session. Used for graceful process shutdown.
func (r *Registry) Shutdown() {
	for _, s := range r.All() {
		_ = r.closeWithReason(s.ID(), "shutdown")
	}
}
