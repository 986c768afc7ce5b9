// Package bulkhead implements the bulkhead isolation pattern: a cap on
// concurrent in-flight operations with an optional bounded FIFO queue for
// callers willing to wait for a slot.
package bulkhead

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/mattsp1290/fortify/internal/sema"
	"github.com/mattsp1290/fortify/pkg/errors"
	"github.com/mattsp1290/fortify/pkg/logging"
)

// Operation is a unit of work guarded by the bulkhead. The context passed in
// is the caller's own; the bulkhead does not abort admitted work.
type Operation func(ctx context.Context) error

// Config holds bulkhead creation options.
type Config struct {
	// Name identifies the bulkhead in logs.
	Name string `json:"name" yaml:"name"`

	// MaxConcurrent is the maximum number of concurrent executions.
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`

	// MaxQueue is the number of callers allowed to wait for a slot.
	// Zero disables queueing: a full bulkhead rejects immediately.
	MaxQueue int `json:"max_queue" yaml:"max_queue"`

	// QueueTimeout bounds how long a queued caller waits for a slot.
	// Zero means queued callers wait until admitted or cancelled.
	QueueTimeout time.Duration `json:"queue_timeout" yaml:"queue_timeout"`

	// OnRejected is invoked once per rejected admission. Panics from the
	// callback are logged and swallowed.
	OnRejected func() `json:"-" yaml:"-"`

	// Logger receives structured diagnostics. Defaults to a no-op logger.
	Logger logging.Logger `json:"-" yaml:"-"`
}

const (
	maxConcurrentLimit = 10000
	maxQueueLimit      = 100000
	maxQueueTimeout    = time.Hour
)

// Validate enforces the configuration bounds.
func (c *Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return errors.NewConfigError("maxConcurrent", "must be at least 1")
	}
	if c.MaxConcurrent > maxConcurrentLimit {
		return errors.NewConfigError("maxConcurrent", "must not exceed 10000")
	}
	if c.MaxQueue < 0 {
		return errors.NewConfigError("maxQueue", "must not be negative")
	}
	if c.MaxQueue > maxQueueLimit {
		return errors.NewConfigError("maxQueue", "must not exceed 100000")
	}
	if c.QueueTimeout < 0 {
		return errors.NewConfigError("queueTimeout", "must not be negative")
	}
	if c.QueueTimeout > maxQueueTimeout {
		return errors.NewConfigError("queueTimeout", "must not exceed 1h")
	}
	return nil
}

// Bulkhead caps concurrent executions at MaxConcurrent, queueing up to
// MaxQueue additional callers in FIFO order.
type Bulkhead struct {
	name          string
	maxConcurrent int
	queueTimeout  time.Duration

	exec  *sema.Semaphore
	queue *sema.Semaphore // nil when MaxQueue == 0; admission token only, never waited on

	onRejected func()
	logger     logging.Logger

	mu     sync.Mutex
	closed bool
}

// New creates a bulkhead from the given configuration.
func New(config Config) (*Bulkhead, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	b := &Bulkhead{
		name:          config.Name,
		maxConcurrent: config.MaxConcurrent,
		queueTimeout:  config.QueueTimeout,
		exec:          sema.New(config.MaxConcurrent),
		onRejected:    config.OnRejected,
		logger:        logging.OrNop(config.Logger).With(logging.F("component", "bulkhead"), logging.F("name", config.Name)),
	}
	if config.MaxQueue > 0 {
		b.queue = sema.New(config.MaxQueue)
	}
	return b, nil
}

// Execute runs op under the bulkhead's concurrency limit. A caller that
// cannot get a slot immediately either queues (when queueing is configured
// and the queue has room) or fails with BulkheadFullError. Queued callers
// fail with a TimeoutError when QueueTimeout elapses, or with the context's
// cause when ctx is cancelled.
func (b *Bulkhead) Execute(ctx context.Context, op Operation) error {
	if b.isClosed() {
		return errors.NewBulkheadClosedError()
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}

	// Fast path: a free slot.
	if b.exec.TryAcquire() {
		defer b.exec.Release()
		return op(ctx)
	}

	if b.queue == nil {
		return b.reject()
	}

	// The queue semaphore is a bounded admission token: it is only ever
	// TryAcquired here, never waited on. Waiting happens on the execution
	// semaphore so a queued caller is handed a slot in arrival order.
	if !b.queue.TryAcquire() {
		return b.reject()
	}

	if err := b.waitForSlot(ctx); err != nil {
		return err
	}
	defer b.exec.Release()
	return op(ctx)
}

// waitForSlot blocks on the execution semaphore under the queue timeout. The
// queue permit is released on every path out, as is the timeout timer.
func (b *Bulkhead) waitForSlot(ctx context.Context) error {
	defer b.queue.Release()

	waitCtx := ctx
	if b.queueTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeoutCause(ctx, b.queueTimeout,
			errors.NewTimeoutError(b.queueTimeout))
		defer cancel()
	}

	err := b.exec.Acquire(waitCtx)
	if err == nil {
		return nil
	}
	var timeoutErr *errors.TimeoutError
	if stderrors.As(err, &timeoutErr) {
		b.logger.Warn("queued operation timed out waiting for a slot",
			logging.F("queue_timeout", b.queueTimeout))
		b.fireOnRejected()
	}
	return err
}

// reject fails an admission with BulkheadFullError, capturing occupancy.
func (b *Bulkhead) reject() error {
	err := errors.NewBulkheadFullError(b.ActiveCount(), b.QueuedCount())
	b.logger.Warn("admission rejected",
		logging.F("active", err.ActiveCount),
		logging.F("queued", err.QueuedCount))
	b.fireOnRejected()
	return err
}

// fireOnRejected invokes the rejection callback, swallowing panics.
func (b *Bulkhead) fireOnRejected() {
	if b.onRejected == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("onRejected callback panicked", logging.F("panic", r))
		}
	}()
	b.onRejected()
}

// Close rejects all queued waiters with BulkheadClosedError and refuses
// subsequent admissions until Reset. Idempotent.
func (b *Bulkhead) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	closedErr := errors.NewBulkheadClosedError()
	b.exec.RejectAll(closedErr)
	if b.queue != nil {
		b.queue.RejectAll(closedErr)
	}
	b.logger.Info("bulkhead closed")
}

// Reset reopens a closed bulkhead. Slot accounting is preserved.
func (b *Bulkhead) Reset() {
	b.mu.Lock()
	b.closed = false
	b.mu.Unlock()
}

func (b *Bulkhead) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Name returns the bulkhead's name.
func (b *Bulkhead) Name() string {
	return b.name
}

// ActiveCount returns the number of in-flight executions.
func (b *Bulkhead) ActiveCount() int {
	return b.maxConcurrent - b.exec.Available()
}

// QueuedCount returns the number of callers waiting for a slot.
func (b *Bulkhead) QueuedCount() int {
	return b.exec.Waiting()
}

// Call runs op under b and returns its value. It is the typed counterpart of
// Execute for operations that produce a result.
func Call[T any](ctx context.Context, b *Bulkhead, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}
