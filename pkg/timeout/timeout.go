// Package timeout bounds an operation with a deadline, surfacing expiry as a
// typed TimeoutError rather than a bare context error.
package timeout

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/mattsp1290/fortify/pkg/errors"
)

// Operation is a unit of work bounded by the deadline.
type Operation func(ctx context.Context) error

// Execute runs op with a context that expires after d. When the deadline
// elapses first, the returned error is a TimeoutError carrying d; the
// caller's own cancellation propagates unchanged. Non-positive deadlines run
// op without a bound.
func Execute(ctx context.Context, d time.Duration, op Operation) error {
	if d <= 0 {
		return op(ctx)
	}

	opCtx, cancelFn := context.WithTimeoutCause(ctx, d, errors.NewTimeoutError(d))
	defer cancelFn()

	err := op(opCtx)
	if err == nil {
		return nil
	}

	// Surface the typed cause when the operation reports the deadline as a
	// bare context error.
	if stderrors.Is(err, context.DeadlineExceeded) && opCtx.Err() != nil {
		if cause := context.Cause(opCtx); cause != nil && !stderrors.Is(err, cause) {
			var timeoutErr *errors.TimeoutError
			if stderrors.As(cause, &timeoutErr) {
				return cause
			}
		}
	}
	return err
}

// Call runs op under a deadline and returns its value. It is the typed
// counterpart of Execute for operations that produce a result.
func Call[T any](ctx context.Context, d time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Execute(ctx, d, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}
