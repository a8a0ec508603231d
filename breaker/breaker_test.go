package breaker

import (
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests advance a breaker's notion of time deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(t *testing.T, threshold int, recovery time.Duration, probes int) (*Breaker, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	b := New("test", threshold, recovery, probes)
	b.now = clk.Now
	return b, clk
}

func TestBreakerStartsClosed(t *testing.T) {
	b, _ := newTestBreaker(t, 3, time.Minute, 1)
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %s, want %s", got, StateClosed)
	}
	if !b.Allow() {
		t.Fatal("closed breaker rejected a request")
	}
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, 3, time.Minute, 1)

	b.RecordFailure()
	b.RecordFailure()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after 2 failures = %s, want %s", got, StateClosed)
	}

	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after 3 failures = %s, want %s", got, StateOpen)
	}
	if b.Allow() {
		t.Fatal("open breaker allowed a request")
	}
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(t, 3, time.Minute, 1)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %s, want %s (success should reset the count)", got, StateClosed)
	}
	if snap := b.Snapshot(); snap.FailureCount != 2 {
		t.Fatalf("failure_count = %d, want 2", snap.FailureCount)
	}
}

func TestOpenToHalfOpenAfterRecoveryTimeout(t *testing.T) {
	b, clk := newTestBreaker(t, 1, time.Minute, 1)

	b.RecordFailure()
	if b.Allow() {
		t.Fatal("request allowed before recovery timeout")
	}

	clk.Advance(59 * time.Second)
	if b.Allow() {
		t.Fatal("request allowed 1s before recovery timeout")
	}

	clk.Advance(2 * time.Second)
	if !b.Allow() {
		t.Fatal("probe rejected after recovery timeout")
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state = %s, want %s", got, StateHalfOpen)
	}
}

func TestHalfOpenProbeCap(t *testing.T) {
	b, clk := newTestBreaker(t, 1, time.Minute, 2)

	b.RecordFailure()
	clk.Advance(2 * time.Minute)

	if !b.Allow() {
		t.Fatal("first probe rejected")
	}
	if !b.Allow() {
		t.Fatal("second probe rejected")
	}
	if b.Allow() {
		t.Fatal("third probe allowed; half_open_max_calls=2")
	}
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	b, clk := newTestBreaker(t, 1, time.Minute, 1)

	b.RecordFailure()
	clk.Advance(2 * time.Minute)
	if !b.Allow() {
		t.Fatal("probe rejected")
	}

	b.RecordSuccess()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %s, want %s", got, StateClosed)
	}
	if snap := b.Snapshot(); snap.FailureCount != 0 {
		t.Fatalf("failure_count = %d, want 0", snap.FailureCount)
	}
	if !b.Allow() {
		t.Fatal("closed breaker rejected a request")
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(t, 1, time.Minute, 1)

	b.RecordFailure()
	clk.Advance(2 * time.Minute)
	if !b.Allow() {
		t.Fatal("probe rejected")
	}

	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %s, want %s", got, StateOpen)
	}

	// The recovery window restarts from the probe failure.
	clk.Advance(30 * time.Second)
	if b.Allow() {
		t.Fatal("request allowed before the restarted recovery window elapsed")
	}
	clk.Advance(31 * time.Second)
	if !b.Allow() {
		t.Fatal("probe rejected after the restarted recovery window")
	}
}

func TestHalfOpenProbeCapUnderConcurrency(t *testing.T) {
	b, clk := newTestBreaker(t, 1, time.Minute, 3)

	b.RecordFailure()
	clk.Advance(2 * time.Minute)

	const callers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted > 3 {
		t.Fatalf("admitted %d concurrent probes, cap is 3", admitted)
	}
	if admitted == 0 {
		t.Fatal("no probe admitted after recovery timeout")
	}
}

func TestReset(t *testing.T) {
	b, _ := newTestBreaker(t, 1, time.Minute, 1)

	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %s, want %s", got, StateOpen)
	}

	b.Reset()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after reset = %s, want %s", got, StateClosed)
	}
	if !b.Allow() {
		t.Fatal("reset breaker rejected a request")
	}
}

func TestSnapshotCounters(t *testing.T) {
	b, _ := newTestBreaker(t, 2, time.Minute, 1)

	b.Allow()
	b.RecordSuccess()
	b.Allow()
	b.RecordFailure()
	b.RecordFailure()
	b.Allow() // rejected: breaker is open

	snap := b.Snapshot()
	if snap.TotalRequests != 3 {
		t.Errorf("total_requests = %d, want 3", snap.TotalRequests)
	}
	if snap.RejectedRequests != 1 {
		t.Errorf("rejected_requests = %d, want 1", snap.RejectedRequests)
	}
	if snap.Successes != 1 {
		t.Errorf("successes = %d, want 1", snap.Successes)
	}
	if snap.Failures != 2 {
		t.Errorf("failures = %d, want 2", snap.Failures)
	}
	if snap.LastFailureAt.IsZero() {
		t.Error("last_failure_at is zero after failures")
	}
}

func TestRegistryLazyCreate(t *testing.T) {
	r := NewRegistry(Defaults{FailureThreshold: 2, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1})

	a := r.Get("git_push")
	b := r.Get("git_push")
	if a != b {
		t.Fatal("registry returned distinct breakers for the same name")
	}

	c := r.Get("git_pull")
	if a == c {
		t.Fatal("registry shared a breaker across names")
	}

	if got := len(r.Snapshots()); got != 2 {
		t.Fatalf("snapshots = %d entries, want 2", got)
	}
}

func TestRegistryResetAll(t *testing.T) {
	r := NewRegistry(Defaults{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1})

	r.Get("a").RecordFailure()
	r.Get("b").RecordFailure()

	r.ResetAll()
	for _, snap := range r.Snapshots() {
		if snap.State != StateClosed {
			t.Fatalf("breaker %s state = %s after ResetAll, want %s", snap.Name, snap.State, StateClosed)
		}
	}
}
