// Package circuitbreaker implements a three-state circuit breaker. A closed
// breaker admits everything and counts outcomes; enough failures open it; an
// open breaker rejects until a jittered recovery window elapses, then admits
// a bounded number of concurrent probes in half-open state to test recovery.
package circuitbreaker

import (
	"context"
	stderrors "errors"
	"math/rand"
	"sync"
	"time"

	"github.com/mattsp1290/fortify/internal/timeconfig"
	"github.com/mattsp1290/fortify/pkg/errors"
	"github.com/mattsp1290/fortify/pkg/logging"
)

// State represents the state of the circuit breaker.
type State int

const (
	// StateClosed admits all requests.
	StateClosed State = iota
	// StateOpen rejects all requests until the recovery window elapses.
	StateOpen
	// StateHalfOpen admits a bounded number of concurrent probe requests.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Counts holds the outcome statistics for a circuit breaker.
type Counts struct {
	Requests             uint64
	TotalSuccesses       uint64
	TotalFailures        uint64
	ConsecutiveSuccesses uint64
	ConsecutiveFailures  uint64
}

// Operation is a unit of work guarded by the breaker.
type Operation func(ctx context.Context) error

// Config contains the circuit breaker options.
type Config struct {
	// Name identifies the breaker in logs and state-change callbacks.
	Name string `json:"name" yaml:"name"`

	// MaxFailures is the consecutive-failure count that opens the breaker
	// under the default trip policy.
	MaxFailures uint64 `json:"max_failures" yaml:"max_failures"`

	// Timeout is how long the breaker stays open before admitting probes.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// TimeoutJitter extends Timeout by a random fraction drawn uniformly
	// from [0, Timeout*TimeoutJitter] each time the breaker opens, so that
	// a fleet of breakers does not probe a recovering dependency in
	// lockstep.
	TimeoutJitter float64 `json:"timeout_jitter" yaml:"timeout_jitter"`

	// HalfOpenMaxRequests bounds the number of concurrently in-flight
	// requests admitted while half-open.
	HalfOpenMaxRequests int `json:"half_open_max_requests" yaml:"half_open_max_requests"`

	// Interval, when positive, periodically zeroes the counts while the
	// breaker is closed. Zero disables the periodic reset.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// ReadyToTrip decides, after each counted outcome in the closed state,
	// whether to open. Defaults to ConsecutiveFailures >= MaxFailures.
	ReadyToTrip func(counts Counts) bool `json:"-" yaml:"-"`

	// IsSuccessful classifies an operation outcome. Defaults to err == nil.
	IsSuccessful func(err error) bool `json:"-" yaml:"-"`

	// OnStateChange is invoked after each state transition, outside the
	// breaker's lock. Panics are logged and swallowed.
	OnStateChange func(name string, from, to State) `json:"-" yaml:"-"`

	// Logger receives structured diagnostics. Defaults to a no-op logger.
	Logger logging.Logger `json:"-" yaml:"-"`
}

// DefaultConfig returns a configuration with the conventional defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		Timeout:             timeconfig.Get().DefaultResetTimeout,
		TimeoutJitter:       0.1,
		HalfOpenMaxRequests: 1,
	}
}

// Validate enforces the configuration bounds.
func (c *Config) Validate() error {
	if c.MaxFailures < 1 {
		return errors.NewConfigError("maxFailures", "must be at least 1")
	}
	if c.Timeout < 0 {
		return errors.NewConfigError("timeout", "must not be negative")
	}
	if c.TimeoutJitter < 0 || c.TimeoutJitter > 1 {
		return errors.NewConfigError("timeoutJitter", "must be a fraction in [0, 1]")
	}
	if c.HalfOpenMaxRequests < 0 {
		return errors.NewConfigError("halfOpenMaxRequests", "must not be negative")
	}
	if c.Interval < 0 {
		return errors.NewConfigError("interval", "must not be negative")
	}
	return nil
}

// CircuitBreaker is a three-state fault detector.
type CircuitBreaker struct {
	name                string
	maxFailures         uint64
	timeout             time.Duration
	timeoutJitter       float64
	halfOpenMaxRequests int
	readyToTrip         func(Counts) bool
	isSuccessful        func(error) bool
	onStateChange       func(string, State, State)
	logger              logging.Logger

	mu               sync.Mutex
	state            State
	counts           Counts
	openExpiry       time.Time // earliest instant an open breaker admits a probe
	halfOpenInFlight int

	destroyOnce sync.Once
	ticker      *time.Ticker
	tickerDone  chan struct{}
}

// transition describes a pending state-change notification, collected under
// the lock and delivered after it is released.
type transition struct {
	from, to State
}

// New creates a circuit breaker from the given configuration.
func New(config Config) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.Timeout == 0 {
		config.Timeout = timeconfig.Get().DefaultResetTimeout
	}
	if config.HalfOpenMaxRequests == 0 {
		config.HalfOpenMaxRequests = 1
	}

	cb := &CircuitBreaker{
		name:                config.Name,
		maxFailures:         config.MaxFailures,
		timeout:             config.Timeout,
		timeoutJitter:       config.TimeoutJitter,
		halfOpenMaxRequests: config.HalfOpenMaxRequests,
		readyToTrip:         config.ReadyToTrip,
		isSuccessful:        config.IsSuccessful,
		onStateChange:       config.OnStateChange,
		logger: logging.OrNop(config.Logger).With(
			logging.F("component", "circuitbreaker"), logging.F("name", config.Name)),
		state: StateClosed,
	}

	if config.Interval > 0 {
		cb.ticker = time.NewTicker(config.Interval)
		cb.tickerDone = make(chan struct{})
		go cb.periodicReset()
	}
	return cb, nil
}

// periodicReset zeroes the counts on every tick while the breaker is closed.
func (cb *CircuitBreaker) periodicReset() {
	for {
		select {
		case <-cb.ticker.C:
			cb.mu.Lock()
			if cb.state == StateClosed {
				cb.counts = Counts{}
			}
			cb.mu.Unlock()
		case <-cb.tickerDone:
			return
		}
	}
}

// Execute runs op under the breaker. An open breaker (or an exhausted
// half-open probe budget) fails with CircuitOpenError without invoking op.
// Panics from op propagate without being counted, as do outcomes caused by
// the caller's own cancellation.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation) error {
	halfOpen, err := cb.beforeCall()
	if err != nil {
		return err
	}

	counted := false
	defer func() {
		if !counted {
			// Panic unwinding: release the probe slot, count nothing.
			cb.afterUncounted(halfOpen)
		}
	}()

	opErr := op(ctx)
	counted = true

	if isCancellation(ctx, opErr) {
		cb.afterUncounted(halfOpen)
		return opErr
	}

	cb.afterCall(halfOpen, cb.classify(opErr))
	return opErr
}

func (cb *CircuitBreaker) classify(err error) bool {
	if cb.isSuccessful != nil {
		return cb.isSuccessful(err)
	}
	return err == nil
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

// beforeCall decides admission. It reports whether the call was admitted as a
// half-open probe, so its completion can release the probe slot.
func (cb *CircuitBreaker) beforeCall() (halfOpen bool, err error) {
	cb.mu.Lock()

	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return false, nil

	case StateOpen:
		if time.Now().Before(cb.openExpiry) {
			cb.mu.Unlock()
			return false, errors.NewCircuitOpenError(StateOpen.String())
		}
		tr := cb.setStateLocked(StateHalfOpen)
		cb.halfOpenInFlight = 1
		cb.mu.Unlock()
		cb.notify(tr)
		return true, nil

	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.halfOpenMaxRequests {
			cb.mu.Unlock()
			return false, errors.NewCircuitOpenError(StateHalfOpen.String())
		}
		cb.halfOpenInFlight++
		cb.mu.Unlock()
		return true, nil

	default:
		cb.mu.Unlock()
		return false, errors.NewCircuitOpenError(cb.state.String())
	}
}

// afterUncounted releases a half-open probe slot without recording an
// outcome. Used for panics and cancellations.
func (cb *CircuitBreaker) afterUncounted(halfOpen bool) {
	if !halfOpen {
		return
	}
	cb.mu.Lock()
	if cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
	cb.mu.Unlock()
}

// afterCall records a counted outcome and applies the state machine.
func (cb *CircuitBreaker) afterCall(halfOpen, success bool) {
	cb.mu.Lock()

	if halfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	cb.counts.Requests++
	if success {
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveSuccesses++
		cb.counts.ConsecutiveFailures = 0
	} else {
		cb.counts.TotalFailures++
		cb.counts.ConsecutiveFailures++
		cb.counts.ConsecutiveSuccesses = 0
	}

	var tr *transition
	switch cb.state {
	case StateClosed:
		if cb.shouldTrip() {
			tr = cb.openLocked()
		}

	case StateHalfOpen:
		if success {
			tr = cb.setStateLocked(StateClosed)
			cb.counts = Counts{}
		} else {
			tr = cb.openLocked()
		}
	}

	cb.mu.Unlock()
	cb.notify(tr)
}

func (cb *CircuitBreaker) shouldTrip() bool {
	if cb.readyToTrip != nil {
		return cb.readyToTrip(cb.counts)
	}
	return cb.counts.ConsecutiveFailures >= cb.maxFailures
}

// openLocked transitions to OPEN with a freshly sampled recovery window. The
// jitter is resampled on every open transition, including re-entry from a
// failed half-open probe.
func (cb *CircuitBreaker) openLocked() *transition {
	tr := cb.setStateLocked(StateOpen)
	window := cb.timeout
	if cb.timeoutJitter > 0 {
		window += time.Duration(rand.Float64() * cb.timeoutJitter * float64(cb.timeout))
	}
	cb.openExpiry = time.Now().Add(window)
	return tr
}

// setStateLocked records a state change and returns the pending notification.
func (cb *CircuitBreaker) setStateLocked(to State) *transition {
	from := cb.state
	cb.state = to
	if to == StateHalfOpen {
		cb.halfOpenInFlight = 0
	}
	return &transition{from: from, to: to}
}

// notify delivers a state-change notification outside the breaker's lock, so
// the callback may call back into the breaker. Panics are logged and
// swallowed.
func (cb *CircuitBreaker) notify(tr *transition) {
	if tr == nil {
		return
	}
	cb.logger.Info("state changed",
		logging.F("from", tr.from.String()), logging.F("to", tr.to.String()))
	if cb.onStateChange == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			cb.logger.Error("onStateChange callback panicked", logging.F("panic", r))
		}
	}()
	cb.onStateChange(cb.name, tr.from, tr.to)
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetCounts returns the current outcome statistics.
func (cb *CircuitBreaker) GetCounts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Name returns the breaker's name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset forces the breaker to CLOSED and zeroes the counts. A state-change
// notification fires only when the breaker was not already closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var tr *transition
	if cb.state != StateClosed {
		tr = cb.setStateLocked(StateClosed)
	}
	cb.counts = Counts{}
	cb.halfOpenInFlight = 0
	cb.mu.Unlock()
	cb.notify(tr)
}

// Trip forces the breaker to OPEN with a freshly sampled recovery window.
func (cb *CircuitBreaker) Trip() {
	cb.mu.Lock()
	var tr *transition
	if cb.state != StateOpen {
		tr = cb.openLocked()
	}
	cb.mu.Unlock()
	cb.notify(tr)
}

// Destroy stops the periodic count-reset timer. Idempotent; the breaker
// remains usable afterwards but no longer resets counts on an interval.
func (cb *CircuitBreaker) Destroy() {
	cb.destroyOnce.Do(func() {
		if cb.ticker != nil {
			cb.ticker.Stop()
			close(cb.tickerDone)
		}
	})
}

// Call runs op under cb and returns its value. It is the typed counterpart
// of Execute for operations that produce a result.
func Call[T any](ctx context.Context, cb *CircuitBreaker, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}
