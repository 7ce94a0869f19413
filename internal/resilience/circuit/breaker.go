// Package circuit implements the per-upstream circuit breaker protecting
// outbound calls to third-party services (page analysis, AI models, billing).
package circuit

import (
	"sync"
	"time"
)

// State is the breaker position for a single upstream service.
type State int

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
		return "half_open"
	}
	return "unknown"
}

// Classification says who a call failure is attributable to. Only upstream
// failures (timeouts, 5xx, connection errors) count toward opening the
// breaker; a caller sending bad requests must not take the upstream down for
// everyone else.
type Classification int

const (
	FailureUpstream Classification = iota
	FailureCaller
)

// Decision is the outcome of Allow. When Proceed is false, RetryAfter
// estimates how long until the breaker will admit a probe.
type Decision struct {
	Proceed    bool
	RetryAfter time.Duration
}

// Breaker is the state machine for one upstream service key.
// All methods are safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	name string

	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration
	evaluationWindow time.Duration
	maxProbes        int

	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	firstFailureAt       time.Time
	openedAt             time.Time
	probesInFlight       int

	now func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

func WithResetTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.resetTimeout = d
		}
	}
}

func WithEvaluationWindow(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.evaluationWindow = d
		}
	}
}

func WithMaxProbes(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.maxProbes = n
		}
	}
}

// withClock overrides the time source for tests.
func withClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a breaker for the named upstream service.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: 5,
		successThreshold: 2,
		resetTimeout:     30 * time.Second,
		evaluationWindow: time.Minute,
		maxProbes:        1,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the upstream service key.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, accounting for reset-timeout expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh(b.now())
	return b.state
}

// Allow decides whether a call may proceed. In half-open it admits at most
// maxProbes concurrent probes; each admitted probe must be settled with
// RecordSuccess or RecordFailure.
func (b *Breaker) Allow() Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.refresh(now)

	switch b.state {
	case StateClosed:
		return Decision{Proceed: true}
	case StateHalfOpen:
		if b.probesInFlight < b.maxProbes {
			b.probesInFlight++
			return Decision{Proceed: true}
		}
		return Decision{RetryAfter: b.resetTimeout}
	default: // StateOpen
		retryAfter := b.resetTimeout - now.Sub(b.openedAt)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{RetryAfter: retryAfter}
	}
}

// refresh moves Open to HalfOpen once the reset timeout has elapsed.
// Callers must hold b.mu.
func (b *Breaker) refresh(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.resetTimeout {
		b.state = StateHalfOpen
		b.consecutiveSuccesses = 0
		b.probesInFlight = 0
	}
}

// RecordSuccess settles a call that completed successfully.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh(b.now())

	switch b.state {
	case StateHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.successThreshold {
			b.reset()
		}
	case StateClosed:
		b.consecutiveFailures = 0
		b.firstFailureAt = time.Time{}
	}
}

// RecordFailure settles a failed call. Caller-classified failures never move
// the state machine.
func (b *Breaker) RecordFailure(kind Classification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.refresh(now)

	if kind == FailureCaller {
		if b.state == StateHalfOpen && b.probesInFlight > 0 {
			// The probe completed; a bad request says nothing about upstream
			// health, so it neither closes nor re-opens the breaker.
			b.probesInFlight--
		}
		return
	}

	switch b.state {
	case StateClosed:
		if b.firstFailureAt.IsZero() || now.Sub(b.firstFailureAt) > b.evaluationWindow {
			b.firstFailureAt = now
			b.consecutiveFailures = 0
		}
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.failureThreshold {
			b.trip(now)
		}
	case StateHalfOpen:
		// Any probe failure re-opens immediately and restarts the cooldown.
		b.trip(now)
	}
}

// trip transitions to Open. Callers must hold b.mu.
func (b *Breaker) trip(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.consecutiveSuccesses = 0
	b.probesInFlight = 0
}

// reset transitions to Closed and clears all counters. Callers must hold b.mu.
func (b *Breaker) reset() {
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.firstFailureAt = time.Time{}
	b.openedAt = time.Time{}
	b.probesInFlight = 0
}

// Reset manually closes the breaker. Used by the admin surface.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
}

// Status is a read-only snapshot for observability.
type Status struct {
	Name                 string    `json:"name"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	OpenedAt             time.Time `json:"opened_at,omitzero"`
}

// Status returns a snapshot of the breaker.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh(b.now())
	return Status{
		Name:                 b.name,
		State:                b.state.String(),
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		OpenedAt:             b.openedAt,
	}
}
