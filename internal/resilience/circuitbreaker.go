// Package resilience guards outbound provider calls.
//
// [CircuitBreaker] stops traffic to a backend that keeps failing: after a
// run of consecutive errors it rejects calls outright, and once a cooldown
// has passed it lets a few probe calls through to decide whether the
// backend has recovered. [FallbackGroup] chains providers of one type
// behind per-provider breakers so calls move on to the next healthy entry
// when one trips.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is a [CircuitBreaker] operating mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the cooldown
	// elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through. Enough
	// successes close the breaker; one failure reopens it.
	StateHalfOpen
)

// String returns the state's wire name.
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

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take the
// documented defaults.
type CircuitBreakerConfig struct {
	// Name labels the breaker in log output.
	Name string

	// MaxFailures is how many consecutive failures open the breaker.
	// Default 5.
	MaxFailures int

	// ResetTimeout is the cooldown before an open breaker starts probing.
	// Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the probe budget: both the number of calls admitted in
	// half-open and the successes required to close. Default 3.
	HalfOpenMax int
}

// CircuitBreaker is a three-state breaker (closed, open, half-open) around
// an unreliable call.
type CircuitBreaker struct {
	name        string
	failLimit   int
	cooldown    time.Duration
	probeBudget int

	mu             sync.Mutex
	state          State
	failures       int
	openedAt       time.Time
	probes         int
	probeSuccesses int
}

// NewCircuitBreaker creates a closed breaker from cfg, applying defaults
// for zero fields.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{
		name:        cfg.Name,
		failLimit:   cfg.MaxFailures,
		cooldown:    cfg.ResetTimeout,
		probeBudget: cfg.HalfOpenMax,
		state:       StateClosed,
	}
}

// Execute runs fn unless the breaker rejects the call. An open breaker past
// its cooldown flips to half-open first; a half-open breaker admits fn only
// while probe budget remains.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.cooldown {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeSuccesses = 0
		slog.Info("circuit breaker half-open", "name", cb.name)

	case StateHalfOpen:
		if cb.probes >= cb.probeBudget {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	probing := cb.state == StateHalfOpen
	if probing {
		cb.probes++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.onFailure(probing)
	} else {
		cb.onSuccess(probing)
	}
	return err
}

// onFailure must be called with cb.mu held.
func (cb *CircuitBreaker) onFailure(probing bool) {
	if probing {
		// One failed probe reopens for a full cooldown.
		cb.state = StateOpen
		cb.openedAt = time.Now()
		cb.failures = cb.failLimit
		slog.Warn("circuit breaker reopened", "name", cb.name)
		return
	}
	cb.failures++
	if cb.failures >= cb.failLimit {
		cb.state = StateOpen
		cb.openedAt = time.Now()
		slog.Warn("circuit breaker opened", "name", cb.name, "failures", cb.failures)
	}
}

// onSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) onSuccess(probing bool) {
	if probing {
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.probeBudget {
			cb.state = StateClosed
			cb.failures = 0
			cb.probes = 0
			cb.probeSuccesses = 0
			slog.Info("circuit breaker closed", "name", cb.name)
		}
		return
	}
	cb.failures = 0
}

// State reports the breaker's current mode. An open breaker whose cooldown
// has elapsed reports [StateHalfOpen]; the stored state changes on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.cooldown {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.probeSuccesses = 0
	slog.Info("circuit breaker reset", "name", cb.name)
}
