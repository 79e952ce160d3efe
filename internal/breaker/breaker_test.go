package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClock is an adjustable clock for driving window and timeout logic.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker() (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := NewWithClock(Config{
		FailureThreshold:     5,
		FailureWindow:        60 * time.Second,
		ResetTimeout:         30 * time.Second,
		HalfOpenSuccessCount: 2,
	}, clock.now)
	return b, clock
}

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		b.RecordFailure()
	}
}

// --- State machine tests ---

func TestBreaker_StartsClosed(t *testing.T) {
	b, _ := newTestBreaker()
	if b.State() != StateClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
	if !b.Allow() {
		t.Error("closed breaker should allow calls")
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker()

	failN(b, 4)
	if b.State() != StateClosed {
		t.Fatalf("4 failures should not open breaker, got %s", b.State())
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Errorf("5th failure should open breaker, got %s", b.State())
	}
	if b.Allow() {
		t.Error("open breaker should reject calls")
	}
}

func TestBreaker_WindowExpiryPreventsOpen(t *testing.T) {
	b, clock := newTestBreaker()

	// 4 failures, then wait past the window before the 5th.
	failN(b, 4)
	clock.advance(61 * time.Second)
	b.RecordFailure()

	if b.State() != StateClosed {
		t.Errorf("stale failures should have expired, got %s", b.State())
	}
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	b, clock := newTestBreaker()
	failN(b, 5)

	clock.advance(29 * time.Second)
	if b.Allow() {
		t.Fatal("breaker should still be open before reset timeout")
	}

	clock.advance(time.Second)
	if !b.Allow() {
		t.Fatal("breaker should admit a probe after reset timeout")
	}
	if b.State() != StateHalfOpen {
		t.Errorf("expected half-open, got %s", b.State())
	}
}

func TestBreaker_HalfOpenClosesAfterSuccesses(t *testing.T) {
	b, clock := newTestBreaker()
	failN(b, 5)
	clock.advance(30 * time.Second)
	b.Allow() // transition to half-open

	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("one success should not close, got %s", b.State())
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Errorf("two successes should close, got %s", b.State())
	}
}

func TestBreaker_HalfOpenReopensOnSingleFailure(t *testing.T) {
	b, clock := newTestBreaker()
	failN(b, 5)
	clock.advance(30 * time.Second)
	b.Allow()
	b.RecordSuccess()

	b.RecordFailure()
	if b.Allow() {
		t.Error("failure in half-open should re-open the breaker immediately")
	}
}

func TestBreaker_ReopenRestartsResetTimeout(t *testing.T) {
	b, clock := newTestBreaker()
	failN(b, 5)
	clock.advance(30 * time.Second)
	b.Allow()
	b.RecordFailure() // re-open

	clock.advance(29 * time.Second)
	if b.Allow() {
		t.Error("reset timeout should restart from the re-open")
	}
	clock.advance(time.Second)
	if !b.Allow() {
		t.Error("probe should be admitted after the restarted timeout")
	}
}

func TestBreaker_CloseClearsFailureWindow(t *testing.T) {
	b, clock := newTestBreaker()
	failN(b, 5)
	clock.advance(30 * time.Second)
	b.Allow()
	b.RecordSuccess()
	b.RecordSuccess()

	// A fresh failure after closing must not combine with old ones.
	failN(b, 4)
	if b.State() != StateClosed {
		t.Errorf("old failures should have been cleared on close, got %s", b.State())
	}
}

// --- Execute tests ---

func TestExecute_PassesThroughWhenClosed(t *testing.T) {
	b, _ := newTestBreaker()
	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("fn should have been invoked")
	}
}

func TestExecute_RejectsWhenOpen(t *testing.T) {
	b, _ := newTestBreaker()
	failN(b, 5)

	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("fn must not run when the breaker is open")
	}
}

func TestExecute_RecordsFailures(t *testing.T) {
	b, _ := newTestBreaker()
	boom := errors.New("venue down")

	for i := 0; i < 5; i++ {
		if err := b.Execute(context.Background(), func(context.Context) error {
			return boom
		}); !errors.Is(err, boom) {
			t.Fatalf("expected call error passed through, got %v", err)
		}
	}
	if b.State() != StateOpen {
		t.Errorf("5 failing executes should open the breaker, got %s", b.State())
	}
}

// --- Stats tests ---

func TestStats_ReportsWindowedFailures(t *testing.T) {
	b, clock := newTestBreaker()
	failN(b, 3)
	clock.advance(61 * time.Second)
	b.RecordFailure()

	snap := b.Stats()
	if snap.RecentFailures != 1 {
		t.Errorf("expected 1 recent failure after window expiry, got %d", snap.RecentFailures)
	}
	if snap.State != "closed" {
		t.Errorf("expected closed, got %s", snap.State)
	}
}
