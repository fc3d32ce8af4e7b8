package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func newTestGroup() *FallbackGroup[string] {
	fg := NewFallbackGroup("translation", "translation", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("llm", "llm")
	return fg
}

func TestFallbackGroup_Execute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		failing   []string
		wantTried []string
		wantErr   bool
	}{
		{name: "primary answers", wantTried: []string{"translation"}},
		{name: "fallback answers", failing: []string{"translation"}, wantTried: []string{"translation", "llm"}},
		{name: "all fail", failing: []string{"translation", "llm"}, wantTried: []string{"translation", "llm"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var tried []string
			err := newTestGroup().Execute(context.Background(), func(v string) error {
				tried = append(tried, v)
				if slices.Contains(tt.failing, v) {
					return errTest
				}
				return nil
			})
			if !slices.Equal(tried, tt.wantTried) {
				t.Errorf("tried = %v, want %v", tried, tt.wantTried)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
					t.Errorf("err = %v, want ErrAllFailed wrapping the backend error", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestFallbackGroup_SkipsOpenBackend(t *testing.T) {
	t.Parallel()
	fg := newTestGroup()
	for range 2 {
		_ = fg.Execute(context.Background(), func(v string) error {
			if v == "translation" {
				return errTest
			}
			return nil
		})
	}

	var tried []string
	err := fg.Execute(context.Background(), func(v string) error {
		tried = append(tried, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(tried, []string{"llm"}) {
		t.Errorf("tried = %v, want only the fallback while the primary is open", tried)
	}
}

func TestFallbackGroup_StopsWhenContextDone(t *testing.T) {
	t.Parallel()
	fg := newTestGroup()
	ctx, cancel := context.WithCancel(context.Background())

	var tried []string
	err := fg.Execute(ctx, func(v string) error {
		tried = append(tried, v)
		cancel()
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if !slices.Equal(tried, []string{"translation"}) {
		t.Errorf("tried = %v, want no fallback after cancellation", tried)
	}
}

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup(10, "ten", FallbackConfig{})
	fg.AddFallback("twenty", 20)

	res, err := ExecuteWithResult(context.Background(), fg, func(v int) (int, error) {
		if v == 10 {
			return 0, errTest
		}
		return v * 2, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != 40 {
		t.Errorf("result = %d, want 40", res)
	}
	if got := fg.Names(); !slices.Equal(got, []string{"ten", "twenty"}) {
		t.Errorf("Names() = %v", got)
	}
}
