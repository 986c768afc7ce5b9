package errors

import "errors"

// RetryableError attaches an explicit retryability flag to an error. The
// retry driver consults this flag before any configured predicate, so a
// producer can force or forbid retries regardless of policy.
type RetryableError struct {
	// Cause is the wrapped error.
	Cause error

	// Retryable is the explicit classification.
	Retryable bool
}

// Error implements the error interface.
func (e *RetryableError) Error() string {
	return e.Cause.Error()
}

// Unwrap returns the wrapped error.
func (e *RetryableError) Unwrap() error {
	return e.Cause
}

// MarkRetryable wraps err with an explicit retryable flag. A nil err returns
// nil.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Cause: err, Retryable: true}
}

// MarkNonRetryable wraps err with an explicit non-retryable flag. A nil err
// returns nil.
func MarkNonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Cause: err, Retryable: false}
}

// RetryableFlag reports the explicit retryability flag carried anywhere in
// err's wrap chain. ok is false when no flag is present.
func RetryableFlag(err error) (retryable, ok bool) {
	var target *RetryableError
	if errors.As(err, &target) {
		return target.Retryable, true
	}
	return false, false
}
