package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

var user = Subject{WorkflowID: "wf-1", UserKey: "+4915112345", Tier: TierFree}

func TestLimiter_RequestGateBoundary(t *testing.T) {
	t.Parallel()

	for _, limit := range []int{1, 3, 10} {
		clock := newClock()
		l := New(&MemRunLog{}, Policy{TierFree: {MaxRequests: limit, Window: time.Minute}}, WithClock(clock.Now))
		ctx := context.Background()

		for i := range limit {
			p, err := l.Acquire(ctx, user)
			if err != nil {
				t.Fatalf("max=%d: request %d rejected: %v", limit, i+1, err)
			}
			_ = p.Release(ctx, nil)
			clock.Advance(time.Second)
		}

		_, err := l.Acquire(ctx, user)
		var rle *RateLimitExceeded
		if !errors.As(err, &rle) {
			t.Fatalf("max=%d: request %d err = %v, want RateLimitExceeded", limit, limit+1, err)
		}
		if rle.RetryAfter <= 0 {
			t.Errorf("max=%d: RetryAfter = %d, want > 0", limit, rle.RetryAfter)
		}
		if rle.Gate != GateRequests {
			t.Errorf("gate = %q, want %q", rle.Gate, GateRequests)
		}
	}
}

func TestLimiter_RequestGateRetryAfterFromOldest(t *testing.T) {
	t.Parallel()
	clock := newClock()
	l := New(&MemRunLog{}, Policy{TierFree: {MaxRequests: 2, Window: time.Minute}}, WithClock(clock.Now))
	ctx := context.Background()

	_, _ = l.Acquire(ctx, user)
	clock.Advance(10 * time.Second)
	_, _ = l.Acquire(ctx, user)
	clock.Advance(15 * time.Second)

	_, err := l.Acquire(ctx, user)
	var rle *RateLimitExceeded
	if !errors.As(err, &rle) {
		t.Fatalf("err = %v", err)
	}
	if rle.RetryAfter != 35 {
		t.Errorf("RetryAfter = %d, want 35 (60s window - 25s age of oldest)", rle.RetryAfter)
	}
	if !strings.Contains(rle.Message, "35 seconds") {
		t.Errorf("message = %q", rle.Message)
	}

	clock.Advance(36 * time.Second)
	if _, err := l.Acquire(ctx, user); err != nil {
		t.Errorf("after oldest left the window: %v", err)
	}
}

func TestLimiter_ConcurrencyGate(t *testing.T) {
	t.Parallel()
	clock := newClock()
	l := New(&MemRunLog{}, Policy{TierAnonymous: {
		MaxConcurrent:        2,
		ConcurrencyWindow:    10 * time.Minute,
		EstimatedRunDuration: 20 * time.Second,
	}}, WithClock(clock.Now))
	ctx := context.Background()
	anon := Subject{WorkflowID: "wf-1", UserKey: "web-abc", Tier: TierAnonymous}

	p1, err := l.Acquire(ctx, anon)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Acquire(ctx, anon); err != nil {
		t.Fatal(err)
	}

	_, err = l.Acquire(ctx, anon)
	var rle *RateLimitExceeded
	if !errors.As(err, &rle) || rle.Gate != GateConcurrency {
		t.Fatalf("err = %v, want concurrency rejection", err)
	}
	if rle.RetryAfter != 20 {
		t.Errorf("RetryAfter = %d, want 20", rle.RetryAfter)
	}

	if err := p1.Release(ctx, errors.New("workflow failed")); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Acquire(ctx, anon); err != nil {
		t.Errorf("after release: %v", err)
	}
}

func TestLimiter_StaleInProgressRunsExpire(t *testing.T) {
	t.Parallel()
	clock := newClock()
	l := New(&MemRunLog{}, Policy{TierFree: {MaxConcurrent: 1, ConcurrencyWindow: time.Minute}}, WithClock(clock.Now))
	ctx := context.Background()

	if _, err := l.Acquire(ctx, user); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := l.Acquire(ctx, user); err != nil {
		t.Errorf("run older than the concurrency window still counted: %v", err)
	}
}

func TestLimiter_UnlimitedAndUnknownTier(t *testing.T) {
	t.Parallel()
	runs := &MemRunLog{}
	l := New(runs, Policy{TierFree: {MaxRequests: 1, Window: time.Hour}})
	ctx := context.Background()

	vip := user
	vip.Unlimited = true
	for range 3 {
		if _, err := l.Acquire(ctx, vip); err != nil {
			t.Fatalf("unlimited subject rejected: %v", err)
		}
	}
	paying := Subject{WorkflowID: "wf-1", UserKey: "p", Tier: TierPaying}
	for range 3 {
		if _, err := l.Acquire(ctx, paying); err != nil {
			t.Fatalf("tier without policy rejected: %v", err)
		}
	}
	if n, _, _ := runs.CountSince(ctx, "wf-1", vip.UserKey, time.Time{}); n != 3 {
		t.Errorf("unlimited runs recorded = %d, want 3", n)
	}
}

func TestLimiter_UsersAreIndependent(t *testing.T) {
	t.Parallel()
	l := New(&MemRunLog{}, Policy{TierFree: {MaxRequests: 1, Window: time.Hour}})
	ctx := context.Background()
	if _, err := l.Acquire(ctx, user); err != nil {
		t.Fatal(err)
	}
	other := user
	other.UserKey = "+4917000000"
	if _, err := l.Acquire(ctx, other); err != nil {
		t.Errorf("second user limited by first: %v", err)
	}
}

func TestPermit_ReleaseOnce(t *testing.T) {
	t.Parallel()
	runs := &MemRunLog{}
	l := New(runs, nil)
	ctx := context.Background()
	p, _ := l.Acquire(ctx, user)

	if err := p.Release(ctx, errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	if err := p.Release(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if runs.runs[0].Status != RunFailed {
		t.Errorf("status = %q, want failed (second release must be a no-op)", runs.runs[0].Status)
	}
	var nilPermit *Permit
	if err := nilPermit.Release(ctx, nil); err != nil {
		t.Errorf("nil permit release: %v", err)
	}
}

type errRunLog struct{ MemRunLog }

func (e *errRunLog) CountSince(context.Context, string, string, time.Time) (int, time.Time, error) {
	return 0, time.Time{}, errors.New("db down")
}

func TestLimiter_StoreErrorIsNotRateLimit(t *testing.T) {
	t.Parallel()
	l := New(&errRunLog{}, Policy{TierFree: {MaxRequests: 1, Window: time.Minute}})
	_, err := l.Acquire(context.Background(), user)
	var rle *RateLimitExceeded
	if err == nil || errors.As(err, &rle) {
		t.Fatalf("err = %v, want plain store error", err)
	}
}
