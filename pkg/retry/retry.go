// Package retry implements a bounded-attempt retry driver with pluggable
// backoff, jitter, and retryability classification.
package retry

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand"
	"time"

	"github.com/mattsp1290/fortify/internal/timeconfig"
	"github.com/mattsp1290/fortify/pkg/cancel"
	"github.com/mattsp1290/fortify/pkg/errors"
	"github.com/mattsp1290/fortify/pkg/logging"
)

// BackoffPolicy selects how the base delay grows across attempts.
type BackoffPolicy string

const (
	// BackoffConstant keeps the delay at InitialDelay.
	BackoffConstant BackoffPolicy = "constant"
	// BackoffLinear grows the delay as InitialDelay * attempt.
	BackoffLinear BackoffPolicy = "linear"
	// BackoffExponential grows the delay as InitialDelay * Multiplier^(attempt-1).
	BackoffExponential BackoffPolicy = "exponential"
)

// JitterMode selects how randomness is applied to the base delay.
type JitterMode string

const (
	// JitterNone disables jitter.
	JitterNone JitterMode = "none"
	// JitterFull draws uniformly from [0, delay).
	JitterFull JitterMode = "full"
	// JitterEqual draws from [delay/2, delay): at least half the base delay
	// is always honored. This is the default.
	JitterEqual JitterMode = "equal"
	// JitterDecorrelated draws from [delay, min(3*prev, 10*delay)], carrying
	// the previous sample across attempts.
	JitterDecorrelated JitterMode = "decorrelated"
)

// Operation is a unit of work driven by the retry loop.
type Operation func(ctx context.Context) error

// Config contains the retry driver options.
type Config struct {
	// Name identifies the driver in logs.
	Name string `json:"name" yaml:"name"`

	// MaxAttempts is the total invocation budget, first attempt included.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// InitialDelay is the base delay before the second attempt.
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`

	// MaxDelay, when positive, clamps every computed delay. An absolute
	// one-hour ceiling applies regardless.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`

	// BackoffPolicy defaults to exponential.
	BackoffPolicy BackoffPolicy `json:"backoff_policy" yaml:"backoff_policy"`

	// Multiplier is the exponential growth factor. Defaults to 2.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`

	// Jitter defaults to JitterEqual; use JitterNone to disable.
	Jitter JitterMode `json:"jitter" yaml:"jitter"`

	// IsRetryable classifies errors that carry no explicit retryable flag.
	// When nil, unflagged errors are retried.
	IsRetryable func(err error) bool `json:"-" yaml:"-"`

	// OnRetry is invoked before each re-attempt with the attempt number just
	// failed and its error. Panics are logged and swallowed.
	OnRetry func(attempt int, err error) `json:"-" yaml:"-"`

	// Logger receives structured diagnostics. Defaults to a no-op logger.
	Logger logging.Logger `json:"-" yaml:"-"`
}

// Validate enforces the configuration bounds.
func (c *Config) Validate() error {
	if c.MaxAttempts < 1 {
		return errors.NewConfigError("maxAttempts", "must be at least 1")
	}
	if c.InitialDelay < 0 {
		return errors.NewConfigError("initialDelay", "must not be negative")
	}
	if c.MaxDelay < 0 {
		return errors.NewConfigError("maxDelay", "must not be negative")
	}
	if c.Multiplier < 0 {
		return errors.NewConfigError("multiplier", "must not be negative")
	}
	switch c.BackoffPolicy {
	case "", BackoffConstant, BackoffLinear, BackoffExponential:
	default:
		return errors.NewConfigError("backoffPolicy", "must be constant, linear or exponential")
	}
	switch c.Jitter {
	case "", JitterNone, JitterFull, JitterEqual, JitterDecorrelated:
	default:
		return errors.NewConfigError("jitter", "must be none, full, equal or decorrelated")
	}
	return nil
}

// Retry drives an operation through up to MaxAttempts invocations.
type Retry struct {
	name         string
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	policy       BackoffPolicy
	multiplier   float64
	jitter       JitterMode
	isRetryable  func(error) bool
	onRetry      func(int, error)
	logger       logging.Logger
}

// New creates a retry driver from the given configuration.
func New(config Config) (*Retry, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.InitialDelay == 0 {
		config.InitialDelay = timeconfig.Get().DefaultInitialDelay
	}
	if config.Multiplier == 0 {
		config.Multiplier = 2.0
	}
	if config.BackoffPolicy == "" {
		config.BackoffPolicy = BackoffExponential
	}
	if config.Jitter == "" {
		config.Jitter = JitterEqual
	}

	return &Retry{
		name:         config.Name,
		maxAttempts:  config.MaxAttempts,
		initialDelay: config.InitialDelay,
		maxDelay:     config.MaxDelay,
		policy:       config.BackoffPolicy,
		multiplier:   config.Multiplier,
		jitter:       config.Jitter,
		isRetryable:  config.IsRetryable,
		onRetry:      config.OnRetry,
		logger: logging.OrNop(config.Logger).With(
			logging.F("component", "retry"), logging.F("name", config.Name)),
	}, nil
}

// Execute invokes op until it succeeds, a non-retryable error is returned,
// the attempt budget is exhausted, or ctx is cancelled. Exhaustion and
// non-retryable failures surface as MaxAttemptsError wrapping the last
// error. Cancellation propagates unchanged and panics bypass the loop.
func (r *Retry) Execute(ctx context.Context, op Operation) error {
	var prev time.Duration // decorrelated jitter carry

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if isCancellation(ctx, err) {
			return err
		}
		if attempt >= r.maxAttempts || !r.retryable(err) {
			return errors.NewMaxAttemptsError(attempt, err)
		}

		var delay time.Duration
		delay, prev = r.nextDelay(attempt, prev)
		r.logger.Debug("attempt failed, backing off",
			logging.F("attempt", attempt),
			logging.F("delay", delay),
			logging.F("error", err.Error()))
		if sleepErr := cancel.Sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
		r.fireOnRetry(attempt, err)
	}
}

// retryable classifies err: explicit flag first, then the configured
// predicate, then retry by default.
func (r *Retry) retryable(err error) bool {
	if flag, ok := errors.RetryableFlag(err); ok {
		return flag
	}
	if r.isRetryable != nil {
		return r.isRetryable(err)
	}
	return true
}

// isCancellation reports whether err reflects the caller's token tripping
// rather than an operation outcome.
func isCancellation(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx.Err() != nil && stderrors.Is(err, context.Cause(ctx)) {
		return true
	}
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}

// nextDelay computes the sleep before the attempt after `attempt`, applying
// the backoff policy, the clamps, and the jitter mode.
func (r *Retry) nextDelay(attempt int, prev time.Duration) (delay, nextPrev time.Duration) {
	base := r.baseDelay(attempt)

	switch r.jitter {
	case JitterFull:
		return time.Duration(rand.Float64() * float64(base)), prev
	case JitterEqual:
		half := float64(base) / 2
		return time.Duration(half + rand.Float64()*half), prev
	case JitterDecorrelated:
		if prev <= 0 {
			prev = base
		}
		upper := 3 * prev
		if limit := 10 * base; upper > limit {
			upper = limit
		}
		if upper < base {
			upper = base
		}
		d := base + time.Duration(rand.Float64()*float64(upper-base))
		return d, d
	default:
		return base, prev
	}
}

// baseDelay applies the backoff policy with the MaxDelay clamp and the
// absolute ceiling that keeps large attempt counts from overflowing.
func (r *Retry) baseDelay(attempt int) time.Duration {
	ceiling := timeconfig.Get().MaxBackoffDelay

	var d float64
	switch r.policy {
	case BackoffConstant:
		d = float64(r.initialDelay)
	case BackoffLinear:
		d = float64(r.initialDelay) * float64(attempt)
	default:
		d = float64(r.initialDelay) * math.Pow(r.multiplier, float64(attempt-1))
	}

	if math.IsInf(d, 1) || d > float64(ceiling) {
		d = float64(ceiling)
	}
	if r.maxDelay > 0 && d > float64(r.maxDelay) {
		d = float64(r.maxDelay)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// fireOnRetry invokes the retry callback, swallowing panics.
func (r *Retry) fireOnRetry(attempt int, err error) {
	if r.onRetry == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("onRetry callback panicked", logging.F("panic", rec))
		}
	}()
	r.onRetry(attempt, err)
}

// Call runs op under r and returns its value. It is the typed counterpart of
// Execute for operations that produce a result.
func Call[T any](ctx context.Context, r *Retry, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Execute(ctx, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}
