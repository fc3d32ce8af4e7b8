// Package ratelimit gates workflow runs per (workflow, user).
//
// Two independent gates apply to every [Subject]:
//
//   - the request gate rejects when the number of runs started in the
//     trailing Window reaches MaxRequests. RetryAfter is the time until the
//     oldest run in the window leaves it.
//   - the concurrency gate rejects when the number of runs still in progress
//     (started within ConcurrencyWindow) reaches MaxConcurrent. RetryAfter is
//     (excess + 1) × EstimatedRunDuration.
//
// Counters are not stored; they are derived from the [RunLog] on every call.
// A granted [Permit] records a run that must be released when the workflow
// finishes.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/switchboard/internal/keylock"
	"github.com/MrWong99/switchboard/internal/observe"
)

// Tier classifies the user for limit selection.
type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierFree      Tier = "free"
	TierPaying    Tier = "paying"
)

// Gate names reported in [RateLimitExceeded] and metrics.
const (
	GateRequests    = "requests"
	GateConcurrency = "concurrency"
)

// Limits configures both gates for one tier. A zero MaxRequests or
// MaxConcurrent disables the corresponding gate.
type Limits struct {
	MaxRequests int
	Window      time.Duration

	MaxConcurrent     int
	ConcurrencyWindow time.Duration

	// EstimatedRunDuration feeds the concurrency gate's retry-after.
	EstimatedRunDuration time.Duration
}

// Policy maps tiers to limits. Tiers without an entry are unlimited.
type Policy map[Tier]Limits

// Subject identifies who is asking to run which workflow.
type Subject struct {
	WorkflowID string
	UserKey    string
	Tier       Tier

	// Unlimited bypasses both gates. The run is still recorded.
	Unlimited bool
}

func (s Subject) key() string { return s.WorkflowID + "\x00" + s.UserKey }

// RateLimitExceeded is returned by [Limiter.Acquire] when a gate rejects.
// It is meant to be shown to the user and is never retried here.
type RateLimitExceeded struct {
	// RetryAfter is the suggested wait in whole seconds, at least 1.
	RetryAfter int
	Message    string
	Gate       string
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("ratelimit: %s gate: retry after %ds", e.Gate, e.RetryAfter)
}

func exceeded(gate string, retryAfter int) *RateLimitExceeded {
	retryAfter = max(retryAfter, 1)
	return &RateLimitExceeded{
		RetryAfter: retryAfter,
		Gate:       gate,
		Message:    fmt.Sprintf("Rate limit exceeded. Please try again in %d seconds.", retryAfter),
	}
}

// Limiter enforces a [Policy] against a [RunLog].
type Limiter struct {
	runs    RunLog
	policy  Policy
	now     func() time.Time
	metrics *observe.Metrics
	locks   keylock.Map
}

// Option configures a [Limiter].
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// New creates a Limiter.
func New(runs RunLog, policy Policy, opts ...Option) *Limiter {
	l := &Limiter{runs: runs, policy: policy, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	return l
}

// Acquire checks both gates for s and, if they pass, records a new
// in-progress run. A rejection is returned as *[RateLimitExceeded].
//
// Checks and the run insert for one subject are serialized in-process so
// two concurrent requests cannot both take the last slot.
func (l *Limiter) Acquire(ctx context.Context, s Subject) (*Permit, error) {
	unlock := l.locks.Lock(s.key())
	defer unlock()

	now := l.now()
	if lim, ok := l.policy[s.Tier]; ok && !s.Unlimited {
		if err := l.check(ctx, s, lim, now); err != nil {
			return nil, err
		}
	}

	run := &Run{
		WorkflowID: s.WorkflowID,
		UserKey:    s.UserKey,
		Tier:       s.Tier,
		Status:     RunInProgress,
		StartedAt:  now,
	}
	if err := l.runs.Start(ctx, run); err != nil {
		return nil, fmt.Errorf("ratelimit: start run: %w", err)
	}
	return &Permit{runs: l.runs, run: run, now: l.now}, nil
}

func (l *Limiter) check(ctx context.Context, s Subject, lim Limits, now time.Time) error {
	if lim.MaxRequests > 0 && lim.Window > 0 {
		n, oldest, err := l.runs.CountSince(ctx, s.WorkflowID, s.UserKey, now.Add(-lim.Window))
		if err != nil {
			return fmt.Errorf("ratelimit: count requests: %w", err)
		}
		if n >= lim.MaxRequests {
			wait := lim.Window - now.Sub(oldest)
			l.metrics.RecordRateLimited(ctx, GateRequests)
			return exceeded(GateRequests, ceilSeconds(wait))
		}
	}

	if lim.MaxConcurrent > 0 {
		since := time.Time{}
		if lim.ConcurrencyWindow > 0 {
			since = now.Add(-lim.ConcurrencyWindow)
		}
		n, err := l.runs.CountInProgress(ctx, s.WorkflowID, s.UserKey, since)
		if err != nil {
			return fmt.Errorf("ratelimit: count in progress: %w", err)
		}
		if n >= lim.MaxConcurrent {
			excess := n - lim.MaxConcurrent
			wait := time.Duration(excess+1) * lim.EstimatedRunDuration
			l.metrics.RecordRateLimited(ctx, GateConcurrency)
			return exceeded(GateConcurrency, ceilSeconds(wait))
		}
	}
	return nil
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

// Permit is a granted run. Release must be called once the workflow
// finishes; further calls are no-ops.
type Permit struct {
	runs RunLog
	run  *Run
	now  func() time.Time
	done bool
}

// RunID returns the id of the recorded run.
func (p *Permit) RunID() string {
	if p == nil || p.run == nil {
		return ""
	}
	return p.run.ID
}

// Release marks the run completed, or failed when runErr is non-nil.
func (p *Permit) Release(ctx context.Context, runErr error) error {
	if p == nil || p.done {
		return nil
	}
	p.done = true
	status := RunCompleted
	if runErr != nil {
		status = RunFailed
	}
	if err := p.runs.Finish(ctx, p.run.ID, status, p.now()); err != nil {
		return fmt.Errorf("ratelimit: finish run %s: %w", p.run.ID, err)
	}
	return nil
}
