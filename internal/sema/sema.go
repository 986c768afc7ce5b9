// Package sema implements a FIFO counting semaphore with cancellable waiters.
// It is the admission substrate used by the bulkhead: permits hand off
// directly to the oldest waiter on release, waiters abandon the queue in O(1)
// when their context is cancelled, and the whole queue can be failed at once
// when the owner shuts down.
package sema

import (
	"container/list"
	"context"
	"sync"
)

// Semaphore is a counter of available permits with an ordered queue of
// waiters. Waiters are resolved strictly in arrival order.
type Semaphore struct {
	mu        sync.Mutex
	max       int
	available int
	waiters   list.List // of *waiter
}

type waiter struct {
	ready chan error
	elem  *list.Element // nil once resolved or removed
}

// New creates a semaphore with max permits, all initially available.
func New(max int) *Semaphore {
	if max < 0 {
		max = 0
	}
	return &Semaphore{max: max, available: max}
}

// TryAcquire takes a permit if one is available without blocking.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.available > 0 {
		s.available--
		return true
	}
	return false
}

// Acquire takes a permit, waiting in FIFO order behind earlier waiters if none
// is available. It fails with the context's cause when ctx is cancelled; an
// already-cancelled context fails without enqueueing.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return context.Cause(ctx)
	}
	if s.available > 0 {
		s.available--
		s.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan error, 1)}
	w.elem = s.waiters.PushBack(w)
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		s.abandon(w, context.Cause(ctx))
	})
	defer stop()

	return <-w.ready
}

// abandon removes a cancelled waiter from the queue and delivers its failure.
// The FIFO order of the remaining waiters is untouched.
func (s *Semaphore) abandon(w *waiter, cause error) {
	s.mu.Lock()
	if w.elem == nil {
		// Already resolved by Release or RejectAll.
		s.mu.Unlock()
		return
	}
	s.waiters.Remove(w.elem)
	w.elem = nil
	s.mu.Unlock()

	if cause == nil {
		cause = context.Canceled
	}
	w.ready <- cause
}

// Release returns a permit. If a waiter is queued the permit hands off to the
// oldest one directly; otherwise the available count grows, clamped at max.
// The clamp makes Release safe to call from cleanup paths that may not hold a
// permit.
func (s *Semaphore) Release() {
	s.mu.Lock()
	if front := s.waiters.Front(); front != nil {
		w := front.Value.(*waiter)
		s.waiters.Remove(front)
		w.elem = nil
		s.mu.Unlock()
		w.ready <- nil
		return
	}
	if s.available < s.max {
		s.available++
	}
	s.mu.Unlock()
}

// RejectAll fails every queued waiter with err and empties the queue. The
// available permit count is unchanged.
func (s *Semaphore) RejectAll(err error) {
	s.mu.Lock()
	rejected := make([]*waiter, 0, s.waiters.Len())
	for e := s.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		w.elem = nil
		rejected = append(rejected, w)
	}
	s.waiters.Init()
	s.mu.Unlock()

	for _, w := range rejected {
		w.ready <- err
	}
}

// Available returns the number of free permits.
func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// Waiting returns the number of queued waiters.
func (s *Semaphore) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.Len()
}

// Max returns the configured permit ceiling.
func (s *Semaphore) Max() int {
	return s.max
}
