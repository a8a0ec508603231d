package validation

// Mode selects how tolerant validation is of shape deviations.
type Mode string

const (
	// ModeStrict rejects unknown fields, missing required fields, and type
	// mismatches.
	ModeStrict Mode = "strict"
	// ModeLenient downgrades unknown and missing fields to warnings; only
	// type mismatches on known fields fail.
	ModeLenient Mode = "lenient"
)

// VerdictKind tags the outcome variant of a validation.
type VerdictKind string

const (
	// VerdictStrict: the message satisfied the schema strictly.
	VerdictStrict VerdictKind = "strict"
	// VerdictLenient: the message was accepted leniently, with warnings.
	VerdictLenient VerdictKind = "lenient"
	// VerdictFailed: the message did not match even in lenient mode.
	VerdictFailed VerdictKind = "failed"
)

// Verdict is the tagged result of validating one message shape. Model is the
// normalized message for the two accepting variants; Err is set only for
// VerdictFailed. Verdicts are immutable once produced.
type Verdict struct {
	Kind     VerdictKind
	Model    map[string]any
	Warnings []string
	Err      error
}

// Valid reports whether the message was accepted in either mode.
func (v Verdict) Valid() bool { return v.Kind != VerdictFailed }

// Validator validates a raw message in the requested mode. Implementations
// must be pure functions of the message shape: the cache memoizes their
// verdicts, so outcomes must not depend on external state.
type Validator interface {
	Validate(raw map[string]any, mode Mode) Verdict
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(raw map[string]any, mode Mode) Verdict

func (f ValidatorFunc) Validate(raw map[string]any, mode Mode) Verdict {
	return f(raw, mode)
}
