// Package fallback runs a primary operation and, when it fails, an
// alternate.
package fallback

import (
	"context"
	stderrors "errors"
)

// ShouldFallback decides whether an error from the primary is worth handing
// to the alternate. When nil, every error except the caller's own
// cancellation falls back.
type ShouldFallback func(err error) bool

// Execute runs primary; on a qualifying error it runs alternate with the
// primary's error. Cancellation never triggers the alternate: an aborted
// caller wants no work done at all.
func Execute(ctx context.Context, primary func(ctx context.Context) error, alternate func(ctx context.Context, primaryErr error) error, should ShouldFallback) error {
	err := primary(ctx)
	if err == nil {
		return nil
	}
	if isCancellation(ctx, err) {
		return err
	}
	if should != nil && !should(err) {
		return err
	}
	return alternate(ctx, err)
}

// Call runs a primary/alternate pair that produce a value.
func Call[T any](ctx context.Context, primary func(ctx context.Context) (T, error), alternate func(ctx context.Context, primaryErr error) (T, error), should ShouldFallback) (T, error) {
	result, err := primary(ctx)
	if err == nil {
		return result, nil
	}
	if isCancellation(ctx, err) {
		return result, err
	}
	if should != nil && !should(err) {
		return result, err
	}
	return alternate(ctx, err)
}

func isCancellation(ctx context.Context, err error) bool {
	if ctx.Err() != nil && stderrors.Is(err, context.Cause(ctx)) {
		return true
	}
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}
