// Package resilience provides the per-operation timeout and the consecutive-failure circuit
// breaker used around broker calls.
package resilience

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when an operation exceeds its own deadline.
var ErrTimeout = errors.New("operation timed out")

// WithTimeout runs fn with a context bounded by timeout. fn runs on the calling goroutine and
// must honor ctx; WithTimeout never returns while fn is still running, so a timed-out send can
// never overlap the next one. A non-positive timeout runs fn with ctx unchanged.
//
// ErrTimeout is returned only when the deadline set here fired; cancellation or an earlier
// deadline of the parent context is returned as the parent's error.
func WithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(timeoutCtx)
	if err == nil {
		return nil
	}
	if parentErr := ctx.Err(); parentErr != nil {
		return parentErr
	}
	if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
