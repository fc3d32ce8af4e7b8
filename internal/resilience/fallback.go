package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no backend of a [FallbackGroup] produced a
// result.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the breaker each backend of a [FallbackGroup]
// gets. The breaker's Name is set to the backend's name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type backend[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds interchangeable backends in preference order, e.g. a
// dedicated translation model followed by the workflow LLM. Backends must
// be registered before the group is shared between goroutines.
type FallbackGroup[T any] struct {
	cfg      FallbackConfig
	backends []backend[T]
}

// NewFallbackGroup returns a group whose preferred backend is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a backend tried after all earlier ones.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	cb := fg.cfg.CircuitBreaker
	cb.Name = name
	fg.backends = append(fg.backends, backend[T]{name: name, value: value, breaker: NewCircuitBreaker(cb)})
}

// Names lists the backends in the order they are tried.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.backends))
	for i, b := range fg.backends {
		names[i] = b.name
	}
	return names
}

// Execute runs fn against each backend in order until one succeeds.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult runs fn against each backend in order and returns the
// first successful result. Backends with an open breaker are skipped. Once
// ctx is done no further backend is tried. When every backend fails the
// error wraps [ErrAllFailed] and each backend's error.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for i := range fg.backends {
		b := &fg.backends[i]
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		var res R
		err := b.breaker.Execute(func() error {
			var err error
			res, err = fn(b.value)
			return err
		})
		if err == nil {
			return res, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("provider skipped, circuit open", "provider", b.name)
			continue
		}
		slog.Warn("provider failed, trying next", "provider", b.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
