// Package resilience guards the gateway's outbound dependencies.
//
// A [CircuitBreaker] stops a failing messaging platform, workflow endpoint
// or LLM backend from stalling every conversation that touches it.
// [Breakers] hands out one breaker per named dependency. [FallbackGroup]
// tries interchangeable backends in order, each behind its own breaker.
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

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has passed since the last failure.
	StateOpen

	// StateHalfOpen lets a limited number of trial calls through. Enough
	// successful trials close the breaker; any failed trial re-opens it.
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

// Breaker defaults.
const (
	defaultMaxFailures  = 5
	defaultResetTimeout = 30 * time.Second
	defaultHalfOpenMax  = 3
)

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and state callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is both the number of concurrent trials allowed and the
	// number of successful trials needed to close. Default: 3.
	HalfOpenMax int

	// IsFailure decides which errors count against the breaker. A platform
	// rejecting one bad recipient says nothing about the platform's health.
	// Default: every non-nil error counts.
	IsFailure func(error) bool

	// OnStateChange is called after every transition with the breaker's lock
	// held. It must not call back into the breaker.
	OnStateChange func(name string, from, to State)

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = defaultMaxFailures
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = defaultResetTimeout
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = defaultHalfOpenMax
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return err != nil }
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// CircuitBreaker is a three-state breaker around calls to one dependency.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int // consecutive, while closed
	openedAt time.Time
	inFlight int // trials running, while half-open
	passed   int // successful trials, while half-open
}

// NewCircuitBreaker returns a closed breaker. Zero config fields take their
// defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults()}
}

// Execute runs fn unless the breaker rejects the call, in which case it
// returns [ErrCircuitOpen] without calling fn. fn's error is returned
// unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(trial, err != nil && cb.cfg.IsFailure(err))
	return err
}

// admit decides whether a call may proceed and whether it is a trial.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		cb.moveTo(StateHalfOpen)
		slog.Info("circuit breaker probing", "name", cb.cfg.Name)
	}
	if cb.state == StateHalfOpen {
		if cb.inFlight >= cb.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.inFlight++
		return true, nil
	}
	return false, nil
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(trial, failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		// A Reset or a concurrent trial may already have moved the breaker on.
		if cb.state != StateHalfOpen {
			return
		}
		cb.inFlight--
		switch {
		case failed:
			cb.trip()
			slog.Warn("circuit breaker re-opened", "name", cb.cfg.Name)
		case cb.passed+1 >= cb.cfg.HalfOpenMax:
			cb.moveTo(StateClosed)
			slog.Info("circuit breaker closed", "name", cb.cfg.Name)
		default:
			cb.passed++
		}
		return
	}

	if cb.state != StateClosed {
		return
	}
	if !failed {
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.failures >= cb.cfg.MaxFailures {
		failures := cb.failures
		cb.trip()
		slog.Warn("circuit breaker opened", "name", cb.cfg.Name, "consecutive_failures", failures)
	}
}

// trip opens the breaker now. Must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.openedAt = cb.cfg.Now()
	cb.moveTo(StateOpen)
}

// moveTo enters next with fresh counters and notifies the observer. Must be
// called with cb.mu held.
func (cb *CircuitBreaker) moveTo(next State) {
	prev := cb.state
	cb.state = next
	cb.failures, cb.inFlight, cb.passed = 0, 0, 0
	if prev != next && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prev, next)
	}
}

// State returns the breaker's state. An open breaker whose reset timeout
// has passed reports [StateHalfOpen]; the transition itself happens on the
// next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.moveTo(StateClosed)
	slog.Info("circuit breaker reset", "name", cb.cfg.Name)
}
