// Package breaker implements the circuit breaker guarding every call the
// hedge path makes to the external venue. After repeated failures inside a
// sliding window the breaker opens and hedge attempts fast-fail instead of
// piling timeouts onto a venue that is already unhealthy.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oddsline/hedge-engine/internal/metrics"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// attempting it.
var ErrCircuitOpen = errors.New("breaker: circuit open")

// State of the breaker state machine.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds breaker tunables.
type Config struct {
	FailureThreshold     int           // failures within window to open
	FailureWindow        time.Duration // sliding window width
	ResetTimeout         time.Duration // OPEN → HALF_OPEN delay
	HalfOpenSuccessCount int           // successes in HALF_OPEN to close
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:     5,
		FailureWindow:        60 * time.Second,
		ResetTimeout:         30 * time.Second,
		HalfOpenSuccessCount: 2,
	}
}

// Breaker is shared by all hedge attempts against one venue. Transitions
// are mutex-guarded; concurrent updates losing a race is tolerated
// (best-effort protection, not a serialization guarantee).
type Breaker struct {
	cfg Config

	mu              sync.Mutex
	state           State
	failures        []time.Time // sliding window of failure timestamps
	openedAt        time.Time
	halfOpenSuccess int

	now func() time.Time // injectable clock for tests
}

// New creates a breaker in the CLOSED state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 60 * time.Second
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenSuccessCount <= 0 {
		cfg.HalfOpenSuccessCount = 2
	}
	return &Breaker{cfg: cfg, state: StateClosed, now: time.Now}
}

// NewWithClock creates a breaker with an injected clock. Test hook.
func NewWithClock(cfg Config, now func() time.Time) *Breaker {
	b := New(cfg)
	b.now = now
	return b
}

// Allow reports whether a call may proceed right now. An OPEN breaker
// whose reset timeout has elapsed transitions to HALF_OPEN and lets the
// caller through as the probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.transition(StateHalfOpen)
			b.halfOpenSuccess = 0
			return true
		}
		return false
	case StateHalfOpen:
		return true
	}
	return false
}

// Execute wraps one venue call. Rejected calls return ErrCircuitOpen
// without invoking fn; otherwise the outcome is recorded and the call's
// error returned unchanged.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// RecordSuccess notes a successful venue call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateHalfOpen {
		return
	}
	b.halfOpenSuccess++
	if b.halfOpenSuccess >= b.cfg.HalfOpenSuccessCount {
		b.failures = nil
		b.halfOpenSuccess = 0
		b.transition(StateClosed)
	}
}

// RecordFailure notes a failed venue call. Opens the breaker when the
// windowed failure count reaches the threshold, and immediately re-opens
// from HALF_OPEN on any single failure.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == StateHalfOpen {
		b.openedAt = now
		b.transition(StateOpen)
		return
	}

	b.failures = append(b.failures, now)
	b.pruneLocked(now)

	if b.state == StateClosed && len(b.failures) >= b.cfg.FailureThreshold {
		b.openedAt = now
		b.transition(StateOpen)
	}
}

// State returns the current state, applying the OPEN→HALF_OPEN timeout
// lazily so monitors see the same view callers would.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Snapshot is a monitoring view of breaker internals.
type Snapshot struct {
	State          string    `json:"state"`
	RecentFailures int       `json:"recent_failures"`
	OpenedAt       time.Time `json:"opened_at,omitempty"`
}

// Stats returns the monitoring snapshot.
func (b *Breaker) Stats() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.pruneLocked(now)
	return Snapshot{
		State:          b.state.String(),
		RecentFailures: len(b.failures),
		OpenedAt:       b.openedAt,
	}
}

// pruneLocked drops window entries older than the failure window.
// Caller holds b.mu.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.FailureWindow)
	i := 0
	for ; i < len(b.failures); i++ {
		if b.failures[i].After(cutoff) {
			break
		}
	}
	b.failures = b.failures[i:]
}

// transition logs and instruments a state change. Caller holds b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	metrics.BreakerState.Set(float64(to))
	metrics.BreakerTransitions.WithLabelValues(to.String()).Inc()
	slog.Info("circuit breaker state change",
		"from", from.String(),
		"to", to.String(),
		"recent_failures", len(b.failures),
	)
}
