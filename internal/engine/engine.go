// Package engine is the dispatch coordinator of the session kernel. For each
// inbound message it consults the validation cache, the session registry, and
// the relevant circuit breaker, runs the external operation handler, and feeds
// failures through the classifier-driven recovery policy. It is
// transport-agnostic: callers hand it decoded message envelopes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mcpkit/sessioncore/breaker"
	"github.com/mcpkit/sessioncore/internal/logctx"
	"github.com/mcpkit/sessioncore/recovery"
	"github.com/mcpkit/sessioncore/sessions"
	"github.com/mcpkit/sessioncore/validation"
)

// Envelope message types handled by the kernel itself. Any other type is an
// operation request dispatched to the handler.
const (
	TypeHeartbeat     = "heartbeat"
	TypeHeartbeatAck  = "heartbeat_ack"
	TypeCancelled     = "notifications/cancelled"
	TypeSessionCreate = "session/create"
	TypeSessionClose  = "session/close"
	TypeSessionPause  = "session/pause"
	TypeSessionResume = "session/resume"
)

// Error codes reported in responses.
const (
	CodeValidationFailed  = "validation_failed"
	CodeCircuitOpen       = "circuit_open"
	CodeSessionClosed     = "session_closed"
	CodeSessionNotFound   = "session_not_found"
	CodeDuplicateSession  = "duplicate_session"
	CodeTooManySessions   = "too_many_sessions"
	CodeOperationFailed   = "operation_failed"
	CodeSessionTerminated = "session_terminated"
)

// Handler executes a named operation on behalf of a session. It is the
// external collaborator the kernel isolates faults for; returned errors only
// need to be inspectable by the classifier.
type Handler interface {
	Execute(ctx context.Context, operation string, args map[string]any, sessionID string) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, operation string, args map[string]any, sessionID string) (any, error)

func (f HandlerFunc) Execute(ctx context.Context, operation string, args map[string]any, sessionID string) (any, error) {
	return f(ctx, operation, args, sessionID)
}

// ValidatorProvider supplies a validator per message type. The validation
// schema registry implements it.
type ValidatorProvider interface {
	Validator(msgType string) (validation.Validator, bool)
}

var _ ValidatorProvider = (*validation.Registry)(nil)

// ErrorDetail is the structured error half of a response.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Response is the engine's answer to one inbound message. Every dispatched
// message produces exactly one response; the kernel never drops a message
// silently.
type Response struct {
	Type       string       `json:"type"`
	ID         string       `json:"id,omitempty"`
	OriginalID string       `json:"original_id,omitempty"`
	SessionID  string       `json:"session_id,omitempty"`
	OK         bool         `json:"ok"`
	Result     any          `json:"result,omitempty"`
	Warnings   []string     `json:"warnings,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Engine coordinates the per-message dispatch path.
type Engine struct {
	registry *sessions.Registry
	monitor  *sessions.HeartbeatMonitor
	breakers *breaker.Registry
	cache    *validation.Cache
	schemas  ValidatorProvider
	policy   *recovery.Policy
	handler  Handler

	mode validation.Mode
	log  *slog.Logger
	now  func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithValidationMode sets the preferred validation mode. Strict requests
// still fall back to lenient when the strict pass fails.
func WithValidationMode(m validation.Mode) Option {
	return func(e *Engine) {
		if m == validation.ModeStrict || m == validation.ModeLenient {
			e.mode = m
		}
	}
}

// WithClock overrides the engine's time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine wires the dispatch coordinator. The monitor may be nil when
// heartbeat handling is hosted elsewhere; everything else is required.
func NewEngine(
	registry *sessions.Registry,
	monitor *sessions.HeartbeatMonitor,
	breakers *breaker.Registry,
	cache *validation.Cache,
	schemas ValidatorProvider,
	policy *recovery.Policy,
	handler Handler,
	opts ...Option,
) *Engine {
	e := &Engine{
		registry: registry,
		monitor:  monitor,
		breakers: breakers,
		cache:    cache,
		schemas:  schemas,
		policy:   policy,
		handler:  handler,
		mode:     validation.ModeStrict,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Dispatch processes one decoded message envelope and returns its response.
// The returned error is non-nil only for failures that must cross the
// dispatch boundary as user-visible: critical failures that terminated the
// session and MEDIUM failures that exhausted their retry budget. Everything
// else is reported inside the response.
func (e *Engine) Dispatch(ctx context.Context, raw map[string]any) (*Response, error) {
	msgType, _ := raw["type"].(string)
	msgID, _ := raw["id"].(string)
	sessionID, _ := raw["session_id"].(string)

	ctx = logctx.WithMessageData(ctx, &logctx.MessageData{MessageID: msgID, Type: msgType})

	switch msgType {
	case TypeHeartbeat:
		return e.handleHeartbeat(msgID, sessionID), nil
	case TypeCancelled:
		return e.handleCancelled(raw, msgID, sessionID), nil
	case TypeSessionCreate:
		return e.handleSessionCreate(msgID, sessionID), nil
	case TypeSessionClose:
		return e.handleSessionClose(msgID, sessionID), nil
	case TypeSessionPause, TypeSessionResume:
		return e.handlePauseResume(msgType, msgID, sessionID), nil
	}

	return e.dispatchOperation(ctx, raw, msgType, msgID, sessionID)
}

func (e *Engine) respond(msgType, msgID, sessionID string) *Response {
	return &Response{
		Type:      msgType + "_result",
		ID:        msgID,
		SessionID: sessionID,
		Timestamp: e.now(),
	}
}

func (e *Engine) fail(resp *Response, code, message string, retryable bool) *Response {
	resp.OK = false
	resp.Error = &ErrorDetail{Code: code, Message: message, Retryable: retryable}
	return resp
}

func (e *Engine) handleHeartbeat(msgID, sessionID string) *Response {
	if e.monitor != nil {
		e.monitor.RecordHeartbeat(sessionID)
	}
	// Acked unconditionally: a heartbeat for an unknown or closed session is
	// a no-op inside the monitor, not an error to the sender.
	return &Response{
		Type:       TypeHeartbeatAck,
		OriginalID: msgID,
		SessionID:  sessionID,
		OK:         true,
		Timestamp:  e.now(),
	}
}

func (e *Engine) handleCancelled(raw map[string]any, msgID, sessionID string) *Response {
	resp := e.respond(TypeCancelled, msgID, sessionID)

	requestID, _ := raw["request_id"].(string)
	if requestID == "" {
		return e.fail(resp, CodeValidationFailed, "cancellation notification missing request_id", false)
	}

	sess, err := e.registry.Get(sessionID)
	if err != nil {
		// Cancellation for a departed session: best effort, not an error.
		resp.OK = true
		resp.Warnings = append(resp.Warnings, "session not found, nothing to cancel")
		return resp
	}

	if sess.CancelOperation(requestID) {
		reason, _ := raw["reason"].(string)
		e.log.Info("operation cancelled by client",
			"session_id", sessionID, "request_id", requestID, "reason", reason)
	} else {
		resp.Warnings = append(resp.Warnings, "operation already completed or unknown")
	}
	resp.OK = true
	return resp
}

func (e *Engine) handleSessionCreate(msgID, sessionID string) *Response {
	resp := e.respond(TypeSessionCreate, msgID, sessionID)

	sess, err := e.registry.Create(sessionID)
	switch {
	case errors.Is(err, sessions.ErrDuplicateSession):
		return e.fail(resp, CodeDuplicateSession, "session id already exists", false)
	case errors.Is(err, sessions.ErrTooManySessions):
		return e.fail(resp, CodeTooManySessions, "session limit reached", true)
	case err != nil:
		return e.fail(resp, CodeOperationFailed, err.Error(), false)
	}
	resp.OK = true
	resp.SessionID = sess.ID()
	resp.Result = map[string]any{"session_id": sess.ID()}
	return resp
}

func (e *Engine) handleSessionClose(msgID, sessionID string) *Response {
	resp := e.respond(TypeSessionClose, msgID, sessionID)
	// Close is idempotent, including for unknown ids.
	_ = e.registry.Close(sessionID)
	resp.OK = true
	return resp
}

func (e *Engine) handlePauseResume(msgType, msgID, sessionID string) *Response {
	resp := e.respond(msgType, msgID, sessionID)
	sess, err := e.registry.Get(sessionID)
	if err != nil {
		return e.fail(resp, CodeSessionNotFound, "no such session", false)
	}
	if msgType == TypeSessionPause {
		err = sess.Pause()
	} else {
		err = sess.Resume()
	}
	if err != nil {
		return e.fail(resp, CodeOperationFailed, err.Error(), false)
	}
	resp.OK = true
	return resp
}

// dispatchOperation runs the full path for an operation request: validate,
// resolve the session, serialize per session, then execute under the breaker
// and the recovery policy.
func (e *Engine) dispatchOperation(ctx context.Context, raw map[string]any, msgType, msgID, sessionID string) (*Response, error) {
	resp := e.respond(msgType, msgID, sessionID)

	validator, ok := e.schemas.Validator(msgType)
	if !ok {
		return e.fail(resp, CodeValidationFailed, fmt.Sprintf("unknown message type %q", msgType), false), nil
	}
	verdict := e.cache.GetOrValidate(raw, validator, e.mode)
	if !verdict.Valid() {
		msg := "message failed validation"
		if verdict.Err != nil {
			msg = verdict.Err.Error()
		}
		return e.fail(resp, CodeValidationFailed, msg, false), nil
	}
	resp.Warnings = append(resp.Warnings, verdict.Warnings...)

	sess, failed := e.resolveSession(resp, sessionID)
	if failed != nil {
		return failed, nil
	}
	sessionID = sess.ID()
	resp.SessionID = sessionID
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID, State: string(sess.State())})

	args := operationArgs(raw)
	opID := msgID
	if opID == "" {
		opID = uuid.NewString()
	}
	ctx = logctx.WithOperationData(ctx, &logctx.OperationData{OperationID: opID, Name: msgType})

	var (
		result  any
		res     recovery.Result
		execErr error
	)
	serErr := sess.Serialize(func() error {
		if err := sess.RecordMessage(); err != nil {
			return err
		}

		opCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := sess.AddOperation(opID, cancel); err != nil {
			return err
		}
		defer sess.RemoveOperation(opID)

		br := e.breakers.Get(msgType)
		res, execErr = e.policy.Execute(opCtx, msgType, sessionID, func(c context.Context) error {
			if !br.Allow() {
				return recovery.ErrCircuitOpen
			}
			out, herr := e.handler.Execute(c, msgType, args, sessionID)
			if herr != nil {
				br.RecordFailure()
				return herr
			}
			br.RecordSuccess()
			result = out
			return nil
		})
		return nil
	})
	if serErr != nil {
		// The session closed between lookup and dispatch.
		if errors.Is(serErr, sessions.ErrSessionClosed) {
			return e.fail(resp, CodeSessionClosed, "session is closed", false), nil
		}
		return e.fail(resp, CodeOperationFailed, serErr.Error(), false), nil
	}

	if execErr == nil {
		resp.OK = true
		resp.Result = result
		if res.Decision.Kind == recovery.DecisionIgnore && res.Last.Err != nil {
			resp.Warnings = append(resp.Warnings, "ignorable failure: "+res.Last.Err.Error())
		}
		return resp, nil
	}

	_ = e.registry.RecordError(sessionID)

	if res.Decision.Kind == recovery.DecisionTerminateSession {
		e.log.Error("terminating session after critical failure",
			"session_id", sessionID, "operation", msgType, "error", execErr)
		sess.MarkError()
		_ = e.registry.Close(sessionID)
		return e.fail(resp, CodeSessionTerminated, execErr.Error(), false), execErr
	}

	if errors.Is(execErr, recovery.ErrCircuitOpen) {
		return e.fail(resp, CodeCircuitOpen, fmt.Sprintf("circuit breaker open for %q", msgType), true), nil
	}

	e.fail(resp, CodeOperationFailed, execErr.Error(), res.Last.Recoverable)
	if res.Last.Severity == recovery.SeverityMedium && res.Attempts > 0 && res.Attempts >= e.policy.MaxRetries {
		// Retry budget exhausted on a recoverable failure: surfaced to the
		// caller alongside the structured response.
		return resp, execErr
	}
	return resp, nil
}

var envelopeKeys = map[string]struct{}{
	"type":       {},
	"id":         {},
	"session_id": {},
}

// operationArgs extracts the operation's arguments: every top-level field
// that is not part of the message envelope.
func operationArgs(raw map[string]any) map[string]any {
	args := make(map[string]any, len(raw))
	for k, v := range raw {
		if _, ok := envelopeKeys[k]; ok {
			continue
		}
		args[k] = v
	}
	return args
}

// resolveSession finds or lazily creates the session for an operation
// message. A non-nil second return is the finished failure response.
func (e *Engine) resolveSession(resp *Response, sessionID string) (*sessions.Session, *Response) {
	if sessionID != "" && e.registry.WasClosed(sessionID) {
		return nil, e.fail(resp, CodeSessionClosed, "session is closed", false)
	}
	sess, err := e.registry.Get(sessionID)
	if errors.Is(err, sessions.ErrSessionNotFound) {
		sess, err = e.registry.Create(sessionID)
		if errors.Is(err, sessions.ErrDuplicateSession) {
			// Lost a create race; the winner's session serves.
			sess, err = e.registry.Get(sessionID)
		}
	}
	switch {
	case errors.Is(err, sessions.ErrTooManySessions):
		return nil, e.fail(resp, CodeTooManySessions, "session limit reached", true)
	case err != nil:
		return nil, e.fail(resp, CodeOperationFailed, err.Error(), false)
	}
	return sess, nil
}
