package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is a session's lifecycle position. Closed is terminal: no transition
// leaves it and no further mutation is permitted.
type State string

const (
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StatePaused       State = "paused"
	StateError        State = "error"
	StateClosing      State = "closing"
	StateClosed       State = "closed"
)

// Session tracks one client's logical connection. All fields are guarded by
// mu; exported accessors take the lock. The dispatch lock (dispatchMu) is
// separate so that applying messages in arrival order does not contend with
// registry sweeps reading counters.
type Session struct {
	id string

	mu               sync.Mutex
	state            State
	createdAt        time.Time
	lastActivityAt   time.Time
	messageCount     int64
	errorCount       int64
	stateTransitions int64
	activeOps        map[string]context.CancelFunc

	dispatchMu sync.Mutex

	now func() time.Time
	log *slog.Logger
}

func newSession(id string, now func() time.Time, log *slog.Logger) *Session {
	ts := now()
	return &Session{
		id:             id,
		state:          StateInitializing,
		createdAt:      ts,
		lastActivityAt: ts,
		activeOps:      make(map[string]context.CancelFunc),
		now:            now,
		log:            log,
	}
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Serialize runs fn while holding the session's dispatch lock. Messages for
// the same session must be applied in arrival order; callers wrap the whole
// per-message path in Serialize so cross-session traffic stays concurrent.
func (s *Session) Serialize(fn func() error) error {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	return fn()
}

// RecordMessage bumps activity counters. The first successful message moves
// an initializing session to active.
func (s *Session) RecordMessage() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateClosing {
		return ErrSessionClosed
	}
	s.messageCount++
	s.lastActivityAt = s.now()
	if s.state == StateInitializing {
		s.transitionLocked(StateActive)
	}
	return nil
}

// RecordError bumps the error counter and activity timestamp.
func (s *Session) RecordError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateClosing {
		return ErrSessionClosed
	}
	s.errorCount++
	s.lastActivityAt = s.now()
	return nil
}

// Pause suspends an active session.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return ErrInvalidTransition
	}
	s.transitionLocked(StatePaused)
	return nil
}

// Resume reactivates a paused session.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return ErrInvalidTransition
	}
	s.transitionLocked(StateActive)
	s.lastActivityAt = s.now()
	return nil
}

// MarkError moves an active or paused session into the error state. It is
// the step before termination when a critical failure is attributed to the
// session.
func (s *Session) MarkError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActive || s.state == StatePaused || s.state == StateInitializing {
		s.transitionLocked(StateError)
	}
}

// AddOperation registers an in-flight operation and its cancel function.
func (s *Session) AddOperation(opID string, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateClosing {
		return ErrSessionClosed
	}
	s.activeOps[opID] = cancel
	return nil
}

// RemoveOperation drops a completed operation. Removing an unknown id is a
// no-op so completion can race with cancellation.
func (s *Session) RemoveOperation(opID string) {
	s.mu.Lock()
	delete(s.activeOps, opID)
	s.mu.Unlock()
}

// CancelOperation cancels a single in-flight operation by id. It reports
// whether the operation was known.
func (s *Session) CancelOperation(opID string) bool {
	s.mu.Lock()
	cancel, ok := s.activeOps[opID]
	if ok {
		delete(s.activeOps, opID)
	}
	s.mu.Unlock()
	if ok && cancel != nil {
		cancel()
	}
	return ok
}

// ActiveOperations returns the ids of in-flight operations.
func (s *Session) ActiveOperations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.activeOps))
	for id := range s.activeOps {
		out = append(out, id)
	}
	return out
}

// IdleTime reports how long the session has been without activity.
func (s *Session) IdleTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.lastActivityAt)
}

// close transitions to closing, cancels every in-flight operation exactly
// once, and lands in closed. Idempotent: a second call returns false and
// cancels nothing.
func (s *Session) close() bool {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateClosing {
		s.mu.Unlock()
		return false
	}
	s.transitionLocked(StateClosing)
	cancels := make([]context.CancelFunc, 0, len(s.activeOps))
	for _, c := range s.activeOps {
		if c != nil {
			cancels = append(cancels, c)
		}
	}
	s.activeOps = make(map[string]context.CancelFunc)
	s.transitionLocked(StateClosed)
	s.mu.Unlock()

	// Cancel outside the lock; cancellation is cooperative and may run
	// arbitrary callbacks.
	for _, c := range cancels {
		c()
	}
	return true
}

// transitionLocked changes state. Callers hold s.mu.
func (s *Session) transitionLocked(to State) {
	from := s.state
	s.state = to
	s.stateTransitions++
	s.log.Debug("session state transition", "session_id", s.id, "from", string(from), "to", string(to))
}

// Snapshot is a read-only view of a session for introspection.
type Snapshot struct {
	ID               string        `json:"id"`
	State            State         `json:"state"`
	CreatedAt        time.Time     `json:"created_at"`
	LastActivityAt   time.Time     `json:"last_activity_at"`
	IdleTime         time.Duration `json:"idle_time"`
	MessageCount     int64         `json:"message_count"`
	ErrorCount       int64         `json:"error_count"`
	StateTransitions int64         `json:"state_transitions"`
	ActiveOperations []string      `json:"active_operations"`
}

// Snapshot returns the session's current counters and state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := make([]string, 0, len(s.activeOps))
	for id := range s.activeOps {
		ops = append(ops, id)
	}
	return Snapshot{
		ID:               s.id,
		State:            s.state,
		CreatedAt:        s.createdAt,
		LastActivityAt:   s.lastActivityAt,
		IdleTime:         s.now().Sub(s.lastActivityAt),
		MessageCount:     s.messageCount,
		ErrorCount:       s.errorCount,
		StateTransitions: s.stateTransitions,
		ActiveOperations: ops,
	}
}
