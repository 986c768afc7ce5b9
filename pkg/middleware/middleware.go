// Package middleware composes the fortify primitives into a single execution
// chain. Each primitive is wrapped as a Policy; a Chain applies its policies
// outermost-first, so
//
//	chain := middleware.NewChain(
//		middleware.WithRetry(r),
//		middleware.WithCircuitBreaker(cb),
//		middleware.WithBulkhead(b),
//	)
//
// retries an operation whose every attempt passes through the breaker and
// then the bulkhead.
package middleware

import (
	"context"
	"time"

	"github.com/mattsp1290/fortify/pkg/bulkhead"
	"github.com/mattsp1290/fortify/pkg/circuitbreaker"
	"github.com/mattsp1290/fortify/pkg/fallback"
	"github.com/mattsp1290/fortify/pkg/ratelimit"
	"github.com/mattsp1290/fortify/pkg/retry"
	"github.com/mattsp1290/fortify/pkg/timeout"
)

// Operation is a unit of work passed through a chain.
type Operation func(ctx context.Context) error

// Policy wraps an operation with one resilience behavior.
type Policy interface {
	// Name identifies the policy in diagnostics.
	Name() string

	// Execute runs op under the policy.
	Execute(ctx context.Context, op Operation) error
}

// Chain applies a sequence of policies, first entry outermost.
type Chain struct {
	policies []Policy
}

// NewChain creates a chain from the given policies.
func NewChain(policies ...Policy) *Chain {
	return &Chain{policies: policies}
}

// Append returns a new chain with p added innermost.
func (c *Chain) Append(p Policy) *Chain {
	policies := make([]Policy, 0, len(c.policies)+1)
	policies = append(policies, c.policies...)
	policies = append(policies, p)
	return &Chain{policies: policies}
}

// Execute runs op through every policy in order.
func (c *Chain) Execute(ctx context.Context, op Operation) error {
	wrapped := op
	for i := len(c.policies) - 1; i >= 0; i-- {
		policy := c.policies[i]
		inner := wrapped
		wrapped = func(ctx context.Context) error {
			return policy.Execute(ctx, inner)
		}
	}
	return wrapped(ctx)
}

// Call runs op through the chain and returns its value.
func Call[T any](ctx context.Context, c *Chain, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := c.Execute(ctx, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}

type bulkheadPolicy struct {
	b *bulkhead.Bulkhead
}

// WithBulkhead wraps a bulkhead as a policy.
func WithBulkhead(b *bulkhead.Bulkhead) Policy {
	return &bulkheadPolicy{b: b}
}

func (p *bulkheadPolicy) Name() string { return "bulkhead" }

func (p *bulkheadPolicy) Execute(ctx context.Context, op Operation) error {
	return p.b.Execute(ctx, bulkhead.Operation(op))
}

type circuitBreakerPolicy struct {
	cb *circuitbreaker.CircuitBreaker
}

// WithCircuitBreaker wraps a circuit breaker as a policy.
func WithCircuitBreaker(cb *circuitbreaker.CircuitBreaker) Policy {
	return &circuitBreakerPolicy{cb: cb}
}

func (p *circuitBreakerPolicy) Name() string { return "circuitbreaker" }

func (p *circuitBreakerPolicy) Execute(ctx context.Context, op Operation) error {
	return p.cb.Execute(ctx, circuitbreaker.Operation(op))
}

type rateLimitPolicy struct {
	rl  *ratelimit.RateLimiter
	key string
}

// WithRateLimit wraps a rate limiter as a policy admitting under a fixed
// key. Use WithKeyedRateLimit when the key comes from the request context.
func WithRateLimit(rl *ratelimit.RateLimiter, key string) Policy {
	return &rateLimitPolicy{rl: rl, key: key}
}

func (p *rateLimitPolicy) Name() string { return "ratelimit" }

func (p *rateLimitPolicy) Execute(ctx context.Context, op Operation) error {
	return p.rl.ExecuteContext(ctx, p.key, ratelimit.Operation(op))
}

type keyedRateLimitPolicy struct {
	rl *ratelimit.RateLimiter
}

// WithKeyedRateLimit wraps a rate limiter as a policy deriving the key from
// the request context through the limiter's configured KeyFunc.
func WithKeyedRateLimit(rl *ratelimit.RateLimiter) Policy {
	return &keyedRateLimitPolicy{rl: rl}
}

func (p *keyedRateLimitPolicy) Name() string { return "ratelimit" }

func (p *keyedRateLimitPolicy) Execute(ctx context.Context, op Operation) error {
	if err := p.rl.AllowFromContext(ctx); err != nil {
		return err
	}
	return op(ctx)
}

type retryPolicy struct {
	r *retry.Retry
}

// WithRetry wraps a retry driver as a policy.
func WithRetry(r *retry.Retry) Policy {
	return &retryPolicy{r: r}
}

func (p *retryPolicy) Name() string { return "retry" }

func (p *retryPolicy) Execute(ctx context.Context, op Operation) error {
	return p.r.Execute(ctx, retry.Operation(op))
}

type timeoutPolicy struct {
	d time.Duration
}

// WithTimeout wraps a deadline as a policy.
func WithTimeout(d time.Duration) Policy {
	return &timeoutPolicy{d: d}
}

func (p *timeoutPolicy) Name() string { return "timeout" }

func (p *timeoutPolicy) Execute(ctx context.Context, op Operation) error {
	return timeout.Execute(ctx, p.d, timeout.Operation(op))
}

type fallbackPolicy struct {
	alternate func(ctx context.Context, primaryErr error) error
	should    fallback.ShouldFallback
}

// WithFallback wraps an alternate operation as a policy.
func WithFallback(alternate func(ctx context.Context, primaryErr error) error, should fallback.ShouldFallback) Policy {
	return &fallbackPolicy{alternate: alternate, should: should}
}

func (p *fallbackPolicy) Name() string { return "fallback" }

func (p *fallbackPolicy) Execute(ctx context.Context, op Operation) error {
	return fallback.Execute(ctx, func(ctx context.Context) error {
		return op(ctx)
	}, p.alternate, p.should)
}
