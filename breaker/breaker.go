// Package breaker implements a per-operation-category circuit breaker. A
// breaker gates whether an operation may be attempted: repeated failures trip
// it OPEN, a recovery timeout lets a bounded set of HALF_OPEN probes through,
// and a probe success closes it again.
package breaker

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/mcpkit/sessioncore/events"
)

// State is the circuit breaker state machine position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Breaker is a single circuit breaker. All transition decisions and probe
// accounting happen under one mutex so that concurrent Allow/Record calls
// can never over-admit half-open probes.
type Breaker struct {
	name string

	mu                sync.Mutex
	state             State
	failureCount      int
	failureThreshold  int
	lastFailureAt     time.Time
	recoveryTimeout   time.Duration
	halfOpenMaxCalls  int
	halfOpenInFlight  int
	totalRequests     int64
	rejectedRequests  int64
	successfulResults int64
	failedResults     int64

	now  func() time.Time
	log  *slog.Logger
	sink events.Sink
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the logger used for transition logging.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) {
		if l != nil {
			b.log = l
		}
	}
}

// WithSink sets the event sink that receives state transition events.
func WithSink(s events.Sink) Option {
	return func(b *Breaker) {
		if s != nil {
			b.sink = s
		}
	}
}

// New creates a breaker in the CLOSED state. Non-positive thresholds fall
// back to the reference defaults (threshold 5, timeout 30s, 1 probe).
func New(name string, failureThreshold int, recoveryTimeout time.Duration, halfOpenMaxCalls int, opts ...Option) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	if halfOpenMaxCalls < 1 {
		halfOpenMaxCalls = 1
	}
	b := &Breaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		halfOpenMaxCalls: halfOpenMaxCalls,
		now:              time.Now,
		log:              slog.Default(),
		sink:             events.Nop,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Name returns the operation category this breaker guards.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a request may proceed. In the OPEN state it flips to
// HALF_OPEN once the recovery timeout has elapsed since the last failure; in
// HALF_OPEN it admits at most halfOpenMaxCalls concurrent probes.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailureAt) < b.recoveryTimeout {
			b.rejectedRequests++
			return false
		}
		b.transitionLocked(StateHalfOpen)
		b.halfOpenInFlight = 1
		return true
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.halfOpenMaxCalls {
			b.rejectedRequests++
			return false
		}
		b.halfOpenInFlight++
		return true
	}
	return false
}

// RecordSuccess notes a successful request. A success in HALF_OPEN closes the
// breaker; a success in CLOSED resets the consecutive failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successfulResults++

	switch b.state {
	case StateHalfOpen:
		b.transitionLocked(StateClosed)
		b.failureCount = 0
		b.halfOpenInFlight = 0
	case StateClosed:
		b.failureCount = 0
	}
}

// RecordFailure notes a failed request. Consecutive failures in CLOSED trip
// the breaker at the failure threshold; any failure in HALF_OPEN reopens it
// and restarts the recovery window.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failedResults++
	b.lastFailureAt = b.now()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.halfOpenInFlight = 0
		b.transitionLocked(StateOpen)
	case StateOpen:
		b.failureCount++
	}
}

// Reset forces the breaker back to CLOSED and zeroes its failure accounting.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.transitionLocked(StateClosed)
	}
	b.failureCount = 0
	b.halfOpenInFlight = 0
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a read-only view of a breaker for introspection.
type Snapshot struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	FailureCount     int       `json:"failure_count"`
	FailureThreshold int       `json:"failure_threshold"`
	LastFailureAt    time.Time `json:"last_failure_at,omitzero"`
	TotalRequests    int64     `json:"total_requests"`
	RejectedRequests int64     `json:"rejected_requests"`
	Successes        int64     `json:"successes"`
	Failures         int64     `json:"failures"`
}

// Snapshot returns the breaker's current counters and state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:             b.name,
		State:            b.state,
		FailureCount:     b.failureCount,
		FailureThreshold: b.failureThreshold,
		LastFailureAt:    b.lastFailureAt,
		TotalRequests:    b.totalRequests,
		RejectedRequests: b.rejectedRequests,
		Successes:        b.successfulResults,
		Failures:         b.failedResults,
	}
}

// transitionLocked changes state and emits the transition. Callers hold b.mu.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	b.state = to
	b.log.Info("circuit breaker transition",
		"breaker", b.name, "from", string(from), "to", string(to),
		"failure_count", b.failureCount)
	_ = b.sink.Emit(context.Background(), events.Event{
		Kind: events.KindBreakerState,
		Name: b.name,
		At:   b.now(),
		Fields: map[string]string{
			"from":          string(from),
			"to":            string(to),
			"failure_count": strconv.Itoa(b.failureCount),
		},
	})
}
