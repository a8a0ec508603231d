package validation

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestFingerprintIgnoresValues(t *testing.T) {
	a := map[string]any{"type": "git_status", "repo": "alpha", "verbose": true}
	b := map[string]any{"type": "git_status", "repo": "beta", "verbose": false}
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("fingerprint varied with field values")
	}
}

func TestFingerprintIncludesType(t *testing.T) {
	a := map[string]any{"type": "git_status", "repo": "x"}
	b := map[string]any{"type": "git_commit", "repo": "x"}
	if Fingerprint(a) == Fingerprint(b) {
		t.Fatal("fingerprint did not distinguish message types")
	}
}

func TestFingerprintIgnoresVolatileFields(t *testing.T) {
	a := map[string]any{"type": "git_status", "repo": "x", "id": "req-1", "timestamp": 123.0}
	b := map[string]any{"type": "git_status", "repo": "x", "id": "req-2"}
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("fingerprint varied with volatile fields")
	}
}

func TestFingerprintShapeSensitive(t *testing.T) {
	a := map[string]any{"type": "t", "args": map[string]any{"path": "p"}}
	b := map[string]any{"type": "t", "args": map[string]any{"path": "p", "depth": 1.0}}
	if Fingerprint(a) == Fingerprint(b) {
		t.Fatal("fingerprint did not distinguish nested shapes")
	}
	c := map[string]any{"type": "t", "args": "p"}
	if Fingerprint(a) == Fingerprint(c) {
		t.Fatal("fingerprint did not distinguish value kinds")
	}
}

func TestFingerprintFieldOrderIndependent(t *testing.T) {
	// Go maps are unordered, so construct two maps and hash repeatedly.
	a := map[string]any{"type": "t", "x": "1", "y": "2", "z": "3"}
	want := Fingerprint(a)
	for i := 0; i < 50; i++ {
		if got := Fingerprint(a); got != want {
			t.Fatal("fingerprint unstable across invocations")
		}
	}
}

// countingValidator wraps a Validator and counts invocations.
type countingValidator struct {
	mu    sync.Mutex
	calls int
	fn    func(raw map[string]any, mode Mode) Verdict
}

func (v *countingValidator) Validate(raw map[string]any, mode Mode) Verdict {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()
	return v.fn(raw, mode)
}

func (v *countingValidator) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

func acceptAll(raw map[string]any, mode Mode) Verdict {
	if mode == ModeStrict {
		return Verdict{Kind: VerdictStrict, Model: raw}
	}
	return Verdict{Kind: VerdictLenient, Model: raw}
}

func TestCacheRoundTrip(t *testing.T) {
	cache := NewCache(16)
	v := &countingValidator{fn: acceptAll}

	msg := map[string]any{"type": "git_status", "repo": "x"}
	first := cache.GetOrValidate(msg, v, ModeStrict)
	second := cache.GetOrValidate(map[string]any{"type": "git_status", "repo": "other"}, v, ModeStrict)

	if v.count() != 1 {
		t.Fatalf("validator invoked %d times for one shape, want 1", v.count())
	}
	if first.Kind != second.Kind {
		t.Fatalf("second verdict %s != first %s", second.Kind, first.Kind)
	}

	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("stats = %+v, want 1 hit / 1 miss", stats)
	}
}

func TestCachePerModeEntries(t *testing.T) {
	cache := NewCache(16)
	v := &countingValidator{fn: acceptAll}

	msg := map[string]any{"type": "t", "a": "1"}
	strict := cache.GetOrValidate(msg, v, ModeStrict)
	lenient := cache.GetOrValidate(msg, v, ModeLenient)

	if strict.Kind != VerdictStrict {
		t.Fatalf("strict verdict = %s", strict.Kind)
	}
	if lenient.Kind != VerdictLenient {
		t.Fatalf("lenient verdict = %s", lenient.Kind)
	}
	if v.count() != 2 {
		t.Fatalf("validator invoked %d times, want 2 (one per mode)", v.count())
	}
}

func TestCacheStrictFallsBackToLenient(t *testing.T) {
	v := &countingValidator{fn: func(raw map[string]any, mode Mode) Verdict {
		if mode == ModeStrict {
			return Verdict{Kind: VerdictFailed, Err: errors.New("unknown field")}
		}
		return Verdict{Kind: VerdictLenient, Model: raw, Warnings: []string{"unknown field ignored"}}
	}}
	cache := NewCache(16)

	msg := map[string]any{"type": "t", "extra": "x"}
	got := cache.GetOrValidate(msg, v, ModeStrict)
	if got.Kind != VerdictLenient {
		t.Fatalf("verdict = %s, want %s (fallback)", got.Kind, VerdictLenient)
	}

	// The fallback verdict is cached under the strict request key.
	again := cache.GetOrValidate(msg, v, ModeStrict)
	if again.Kind != VerdictLenient {
		t.Fatalf("cached verdict = %s, want %s", again.Kind, VerdictLenient)
	}
	if v.count() != 2 {
		t.Fatalf("validator invoked %d times, want 2 (strict then lenient)", v.count())
	}
}

func TestCacheLRUEviction(t *testing.T) {
	cache := NewCache(2)
	v := &countingValidator{fn: acceptAll}

	m1 := map[string]any{"type": "a"}
	m2 := map[string]any{"type": "b"}
	m3 := map[string]any{"type": "c"}

	cache.GetOrValidate(m1, v, ModeStrict)
	cache.GetOrValidate(m2, v, ModeStrict)
	cache.GetOrValidate(m1, v, ModeStrict) // refresh m1
	cache.GetOrValidate(m3, v, ModeStrict) // evicts m2

	before := v.count()
	cache.GetOrValidate(m1, v, ModeStrict)
	if v.count() != before {
		t.Fatal("m1 was evicted; expected m2 to be the LRU victim")
	}
	cache.GetOrValidate(m2, v, ModeStrict)
	if v.count() != before+1 {
		t.Fatal("m2 was not re-validated after eviction")
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	cache := NewCache(64)
	v := &countingValidator{fn: acceptAll}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				msg := map[string]any{"type": fmt.Sprintf("t%d", j%8), "n": float64(n)}
				got := cache.GetOrValidate(msg, v, ModeStrict)
				if !got.Valid() {
					t.Error("unexpected invalid verdict")
					return
				}
			}
		}(i)
	}
	wg.Wait()

	if stats := cache.Stats(); stats.Size > 64 {
		t.Fatalf("cache size %d exceeds capacity", stats.Size)
	}
}

type statusPayload struct {
	Repo    string `json:"repo"`
	Verbose bool   `json:"verbose,omitempty"`
}

func TestSchemaRegistryStrict(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("git_status", statusPayload{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	v, ok := reg.Validator("git_status")
	if !ok {
		t.Fatal("validator not found for registered type")
	}

	good := map[string]any{"type": "git_status", "id": "1", "repo": "x", "verbose": true}
	if got := v.Validate(good, ModeStrict); got.Kind != VerdictStrict {
		t.Fatalf("valid message verdict = %s (%v)", got.Kind, got.Err)
	}

	missing := map[string]any{"type": "git_status", "id": "1"}
	if got := v.Validate(missing, ModeStrict); got.Kind != VerdictFailed {
		t.Fatalf("missing required field verdict = %s, want failed", got.Kind)
	}

	unknown := map[string]any{"type": "git_status", "id": "1", "repo": "x", "bogus": 1.0}
	if got := v.Validate(unknown, ModeStrict); got.Kind != VerdictFailed {
		t.Fatalf("unknown field verdict = %s, want failed", got.Kind)
	}

	badType := map[string]any{"type": "git_status", "id": "1", "repo": 42.0}
	if got := v.Validate(badType, ModeStrict); got.Kind != VerdictFailed {
		t.Fatalf("type mismatch verdict = %s, want failed", got.Kind)
	}
}

func TestSchemaRegistryLenient(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("git_status", statusPayload{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	v, _ := reg.Validator("git_status")

	sloppy := map[string]any{"type": "git_status", "id": "1", "repo": "x", "bogus": 1.0}
	got := v.Validate(sloppy, ModeLenient)
	if got.Kind != VerdictLenient {
		t.Fatalf("verdict = %s, want lenient", got.Kind)
	}
	if len(got.Warnings) == 0 {
		t.Fatal("lenient acceptance of unknown field produced no warning")
	}
	if _, ok := got.Model["bogus"]; ok {
		t.Fatal("unknown field leaked into the normalized model")
	}

	// Type mismatches on known fields fail even leniently.
	badType := map[string]any{"type": "git_status", "id": "1", "repo": 42.0}
	if got := v.Validate(badType, ModeLenient); got.Kind != VerdictFailed {
		t.Fatalf("type mismatch verdict = %s, want failed", got.Kind)
	}
}

func TestRegistryUnknownType(t *testing.T) {
	reg := NewRegistry()
	if _, ok := reg.Validator("nope"); ok {
		t.Fatal("validator returned for unregistered type")
	}
}
