package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mcpkit/sessioncore/events"
)

// Defaults applied to breakers the registry creates lazily.
type Defaults struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

// Registry owns one breaker per operation category. Breakers are created
// lazily on first use and live for the remainder of the process.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Defaults
	log      *slog.Logger
	sink     events.Sink
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger passed to lazily created breakers.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithRegistrySink sets the event sink passed to lazily created breakers.
func WithRegistrySink(s events.Sink) RegistryOption {
	return func(r *Registry) {
		if s != nil {
			r.sink = s
		}
	}
}

// NewRegistry creates a registry whose breakers use the given defaults.
func NewRegistry(defaults Defaults, opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
		log:      slog.Default(),
		sink:     events.Nop,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Get returns the breaker for name, creating it if necessary.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name,
		r.defaults.FailureThreshold,
		r.defaults.RecoveryTimeout,
		r.defaults.HalfOpenMaxCalls,
		WithLogger(r.log),
		WithSink(r.sink),
	)
	r.breakers[name] = b
	return b
}

// Snapshots returns a point-in-time view of every breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	bs := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		bs = append(bs, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Snapshot())
	}
	return out
}

// Reset resets the named breaker if it exists.
func (r *Registry) Reset(name string) {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		b.Reset()
	}
}

// ResetAll resets every breaker in the registry.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	bs := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		bs = append(bs, b)
	}
	r.mu.RUnlock()
	for _, b := range bs {
		b.Reset()
	}
}
