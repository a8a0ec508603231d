// Package recovery turns raised handler failures into severity-tagged
// recovery decisions: retry with backoff, abort the operation, terminate the
// owning session, or ignore. Classification is rule-driven and deterministic
// so retry behavior stays testable.
package recovery

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Severity classifies how damaging a failure is.
type Severity string

const (
	SeverityCritical Severity = "critical" // session must terminate
	SeverityHigh     Severity = "high"     // operation aborts, session survives
	SeverityMedium   Severity = "medium"   // operation may recover via retry
	SeverityLow      Severity = "low"      // safe to ignore
)

// ErrCircuitOpen signals that a breaker denied the request. It is classified
// HIGH and never retried by the kernel; callers may retry later themselves.
var ErrCircuitOpen = errors.New("circuit breaker open")

// ErrorContext carries everything the recovery policy needs to decide what to
// do about a single failure. It is created per failure and consumed
// immediately; it is never persisted.
type ErrorContext struct {
	Err         error
	Severity    Severity
	Operation   string
	SessionID   string
	Recoverable bool
	Rule        string // name of the matched rule, "" for built-in matches
	Metadata    map[string]string
	At          time.Time
}

// Rule matches failures by substring against the error text. The first
// matching rule wins; rule order is significant.
type Rule struct {
	Name        string   `toml:"name"`
	Contains    []string `toml:"contains"`
	Severity    Severity `toml:"severity"`
	Recoverable bool     `toml:"recoverable"`
}

// DefaultRules is the built-in classification table. Authentication, protocol
// and security failures kill the session; transient transport conditions are
// retryable; shape problems are ignorable.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "auth", Contains: []string{"authentication", "unauthorized", "permission denied", "forbidden"}, Severity: SeverityCritical, Recoverable: false},
		{Name: "protocol", Contains: []string{"protocol violation", "malformed frame", "handshake"}, Severity: SeverityCritical, Recoverable: false},
		{Name: "security", Contains: []string{"security", "injection", "path traversal"}, Severity: SeverityCritical, Recoverable: false},
		{Name: "not-found", Contains: []string{"not found", "no such file"}, Severity: SeverityHigh, Recoverable: false},
		{Name: "timeout", Contains: []string{"timeout", "timed out", "deadline exceeded"}, Severity: SeverityMedium, Recoverable: true},
		{Name: "network", Contains: []string{"connection refused", "connection reset", "network", "broken pipe", "temporarily unavailable"}, Severity: SeverityMedium, Recoverable: true},
		{Name: "rate-limit", Contains: []string{"rate limit", "too many requests", "429"}, Severity: SeverityMedium, Recoverable: true},
		{Name: "validation", Contains: []string{"validation", "parse", "format", "invalid value"}, Severity: SeverityLow, Recoverable: true},
	}
}

// Classifier maps errors to ErrorContexts using a rule table. Safe for
// concurrent use; the table may be swapped at runtime (see WatchRules).
type Classifier struct {
	rules rulesHolder
}

// NewClassifier creates a classifier with the given rules, or DefaultRules
// when none are supplied.
func NewClassifier(rules []Rule) *Classifier {
	c := &Classifier{}
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	c.rules.set(rules)
	return c
}

// SetRules atomically replaces the rule table.
func (c *Classifier) SetRules(rules []Rule) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	c.rules.set(rules)
}

// Rules returns the current rule table.
func (c *Classifier) Rules() []Rule { return c.rules.get() }

// Classify produces an ErrorContext for err raised by operation on behalf of
// sessionID. Sentinel errors are checked before the rule table so that typed
// signals (circuit open, cancellation, deadline) classify identically
// regardless of message text.
func (c *Classifier) Classify(err error, operation, sessionID string) ErrorContext {
	ctx := ErrorContext{
		Err:       err,
		Operation: operation,
		SessionID: sessionID,
		At:        time.Now(),
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		ctx.Severity = SeverityHigh
		ctx.Recoverable = false
		ctx.Rule = "circuit-open"
		return ctx
	case errors.Is(err, context.Canceled):
		ctx.Severity = SeverityHigh
		ctx.Recoverable = false
		ctx.Rule = "cancelled"
		return ctx
	case errors.Is(err, context.DeadlineExceeded):
		ctx.Severity = SeverityMedium
		ctx.Recoverable = true
		ctx.Rule = "deadline"
		return ctx
	}

	text := strings.ToLower(err.Error())
	for _, r := range c.rules.get() {
		for _, needle := range r.Contains {
			if needle != "" && strings.Contains(text, strings.ToLower(needle)) {
				ctx.Severity = r.Severity
				ctx.Recoverable = r.Recoverable
				ctx.Rule = r.Name
				return ctx
			}
		}
	}

	// Everything unmatched is ignorable noise.
	ctx.Severity = SeverityLow
	ctx.Recoverable = true
	return ctx
}
