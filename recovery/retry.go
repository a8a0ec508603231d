package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// DecisionKind is the action the recovery policy chose for a failure.
type DecisionKind string

const (
	DecisionRetry            DecisionKind = "retry"
	DecisionAbortOperation   DecisionKind = "abort_operation"
	DecisionTerminateSession DecisionKind = "terminate_session"
	DecisionIgnore           DecisionKind = "ignore"
)

// Decision is the recovery policy's verdict for one failure. After is only
// meaningful for DecisionRetry.
type Decision struct {
	Kind  DecisionKind
	After time.Duration
}

// Policy decides what to do about a classified failure, and drives bounded
// retry with exponential backoff around a protected operation.
type Policy struct {
	MaxRetries    int
	BackoffFactor float64
	BaseDelay     time.Duration

	classifier *Classifier
	log        *slog.Logger
	// sleep suspends cooperatively between retries; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy builds a Policy around the given classifier. Zero maxRetries
// means no retries: the first RETRY decision converts to ABORT_OPERATION.
func NewPolicy(classifier *Classifier, maxRetries int, backoffFactor float64, baseDelay time.Duration, opts ...PolicyOption) *Policy {
	if classifier == nil {
		classifier = NewClassifier(nil)
	}
	if backoffFactor < 1.0 {
		backoffFactor = 1.0
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	p := &Policy{
		MaxRetries:    maxRetries,
		BackoffFactor: backoffFactor,
		BaseDelay:     baseDelay,
		classifier:    classifier,
		log:           slog.Default(),
		sleep:         sleepCtx,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithPolicyLogger sets the logger used for retry/abort logging.
func WithPolicyLogger(l *slog.Logger) PolicyOption {
	return func(p *Policy) {
		if l != nil {
			p.log = l
		}
	}
}

// Decide maps a classified failure to a recovery decision. attempt is the
// number of retries already performed; it determines the backoff delay and
// whether the retry budget is exhausted. Deterministic for identical inputs.
func (p *Policy) Decide(ec ErrorContext, attempt int) Decision {
	switch ec.Severity {
	case SeverityCritical:
		return Decision{Kind: DecisionTerminateSession}
	case SeverityHigh:
		return Decision{Kind: DecisionAbortOperation}
	case SeverityMedium:
		if !ec.Recoverable || attempt >= p.MaxRetries {
			return Decision{Kind: DecisionAbortOperation}
		}
		return Decision{Kind: DecisionRetry, After: p.Backoff(attempt)}
	default:
		return Decision{Kind: DecisionIgnore}
	}
}

// Backoff returns the delay before retry number attempt (0-based):
// BaseDelay * BackoffFactor^attempt.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(attempt)))
}

// Result reports how Execute concluded.
type Result struct {
	// Attempts is the number of retries performed (not counting the first call).
	Attempts int
	// Decision is the final recovery decision; zero value on success.
	Decision Decision
	// Last is the classification of the final failure; Err is nil on success.
	Last ErrorContext
}

// Execute runs fn, classifying failures and retrying MEDIUM-severity
// recoverable ones with exponential backoff until the retry budget is
// exhausted. Backoff waits suspend on the context; cancellation aborts the
// loop. The returned error is nil only when fn eventually succeeded or the
// failure was classified ignorable.
func (p *Policy) Execute(ctx context.Context, operation, sessionID string, fn func(context.Context) error) (Result, error) {
	var res Result

	for {
		err := fn(ctx)
		if err == nil {
			return res, nil
		}

		ec := p.classifier.Classify(err, operation, sessionID)
		res.Last = ec
		res.Decision = p.Decide(ec, res.Attempts)

		switch res.Decision.Kind {
		case DecisionRetry:
			p.log.Warn("operation failed, retrying",
				"operation", operation,
				"attempt", res.Attempts+1,
				"max_retries", p.MaxRetries,
				"delay", res.Decision.After,
				"error", err)
			if werr := p.sleep(ctx, res.Decision.After); werr != nil {
				res.Decision = Decision{Kind: DecisionAbortOperation}
				return res, fmt.Errorf("retry wait: %w", werr)
			}
			res.Attempts++
			continue
		case DecisionIgnore:
			p.log.Debug("operation failure ignored",
				"operation", operation, "rule", ec.Rule, "error", err)
			return res, nil
		case DecisionTerminateSession:
			p.log.Error("critical failure, terminating session",
				"operation", operation, "session_id", sessionID, "error", err)
			return res, err
		default: // DecisionAbortOperation
			if res.Attempts > 0 {
				p.log.Error("operation failed after retries",
					"operation", operation, "retries", res.Attempts, "error", err)
			}
			return res, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
