// Package cancel provides the cancellation substrate shared by the fortify
// primitives: a cancellable sleep and a context combinator that trips when any
// of its parents does.
//
// The primitives model cancellation tokens as context.Context throughout:
// tripping is ctx.Err() != nil, the trip reason is context.Cause(ctx), and
// derived tokens come from context.WithCancelCause. This package adds the two
// operations the standard library does not cover directly.
package cancel

import (
	"context"
	"sync"
	"time"
)

// Sleep blocks for d, or until ctx is cancelled, whichever comes first. It
// returns nil after the full delay and the context's cause otherwise. When
// ctx is already cancelled on entry no timer is scheduled. The timer is
// always stopped before returning, so an early cancellation never leaves a
// process-lifetime timer behind.
func Sleep(ctx context.Context, d time.Duration) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Any returns a context that is cancelled as soon as any parent is cancelled,
// with the first tripping parent's cause propagated. The returned stop
// function detaches from all parents and cancels the child; callers must call
// it on every exit path to release the subscriptions.
//
// If a parent is already cancelled, the returned context is already cancelled
// with that parent's cause and no subscriptions are made. The returned
// context carries no values or deadlines from the parents; it is a pure
// cancellation signal.
func Any(parents ...context.Context) (context.Context, context.CancelFunc) {
	for _, p := range parents {
		if p.Err() != nil {
			ctx, cancel := context.WithCancelCause(context.Background())
			cancel(context.Cause(p))
			return ctx, func() {}
		}
	}

	ctx, cancel := context.WithCancelCause(context.Background())

	var (
		mu       sync.Mutex
		detached bool
		stops    []func() bool
	)
	detach := func() {
		mu.Lock()
		if detached {
			mu.Unlock()
			return
		}
		detached = true
		ss := stops
		stops = nil
		mu.Unlock()
		for _, s := range ss {
			s()
		}
	}

	for _, p := range parents {
		p := p
		stop := context.AfterFunc(p, func() {
			cancel(context.Cause(p))
			detach()
		})
		mu.Lock()
		if detached {
			mu.Unlock()
			stop()
			continue
		}
		stops = append(stops, stop)
		mu.Unlock()
	}

	return ctx, func() {
		detach()
		cancel(context.Canceled)
	}
}
