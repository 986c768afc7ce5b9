// Package errors defines the typed failure taxonomy shared by the fortify
// resilience primitives.
//
// Every admission refusal, exhausted policy, and storage fault surfaces as a
// distinct error type so callers can branch on the failure class with
// errors.As, or on the machine-readable code. All types descend from a
// single root *Error that carries
// a code, a message, and an optional cause reachable through Unwrap.
//
// The package also provides the retryability wrapper consumed by the retry
// driver: MarkRetryable and MarkNonRetryable attach an explicit flag to an
// error, and RetryableFlag recovers it from anywhere in a wrap chain.
package errors
