package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorFormatting(t *testing.T) {
	base := &Error{Code: "TEST", Message: "something happened"}
	if got := base.Error(); got != "TEST: something happened" {
		t.Errorf("unexpected message: %q", got)
	}

	withCause := &Error{Code: "TEST", Message: "something happened", Cause: errors.New("boom")}
	if got := withCause.Error(); got != "TEST: something happened: boom" {
		t.Errorf("unexpected message with cause: %q", got)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := NewStorageUnavailableError(cause)

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to reach the cause")
	}

	var root *Error
	if !errors.As(err, &root) {
		t.Error("expected errors.As to find the root *Error")
	}
	if root.Code != CodeStorageUnavailable {
		t.Errorf("unexpected code %q", root.Code)
	}
}

func TestBulkheadFullError(t *testing.T) {
	err := NewBulkheadFullError(3, 7)
	if err.ActiveCount != 3 || err.QueuedCount != 7 {
		t.Errorf("counts not preserved: %+v", err)
	}
	if !IsBulkheadFull(err) {
		t.Error("IsBulkheadFull should match")
	}
	if IsBulkheadFull(fmt.Errorf("wrapped: %w", NewBulkheadClosedError())) {
		t.Error("IsBulkheadFull should not match a closed error")
	}
}

func TestKeyTooLongPreview(t *testing.T) {
	key := strings.Repeat("x", 500)
	err := NewKeyTooLongError(key, 256)

	if err.Length != 500 || err.MaxLength != 256 {
		t.Errorf("lengths not preserved: %+v", err)
	}
	if len(err.Preview) > keyPreviewLen+3 {
		t.Errorf("preview too long: %d chars", len(err.Preview))
	}
	if !strings.HasSuffix(err.Preview, "...") {
		t.Errorf("preview should be elided: %q", err.Preview)
	}
	if strings.Contains(err.Error(), key) {
		t.Error("full key must not appear in the error message")
	}
}

func TestKeyTooLongShortKeyNotElided(t *testing.T) {
	err := NewKeyTooLongError("short", 3)
	if err.Preview != "short" {
		t.Errorf("short keys should be previewed whole, got %q", err.Preview)
	}
}

func TestTypedErrorMatching(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code string
	}{
		{"circuit open", NewCircuitOpenError("OPEN"), CodeCircuitOpen},
		{"rate limit", NewRateLimitError("user:42"), CodeRateLimitExceeded},
		{"timeout", NewTimeoutError(5 * time.Second), CodeTimeout},
		{"max attempts", NewMaxAttemptsError(3, errors.New("last")), CodeMaxAttempts},
		{"tokens exceeded", NewTokensExceededError(10, 5), CodeTokensExceeded},
		{"storage timeout", NewStorageTimeoutError("get", time.Second), CodeStorageTimeout},
		{"invalid bucket", NewInvalidBucketStateError("k"), CodeInvalidBucketState},
		{"health check", NewHealthCheckError(errors.New("probe")), CodeHealthCheck},
		{"config", NewConfigError("maxConcurrent", "must be at least 1"), CodeInvalidConfig},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tc.err)
			var root *Error
			if !errors.As(wrapped, &root) {
				t.Fatal("expected root *Error in chain")
			}
			if root.Code != tc.code {
				t.Errorf("expected code %q, got %q", tc.code, root.Code)
			}
		})
	}
}

func TestMaxAttemptsCarriesLastError(t *testing.T) {
	last := NewTimeoutError(time.Second)
	err := NewMaxAttemptsError(4, last)

	if err.Attempts != 4 {
		t.Errorf("attempts not preserved: %d", err.Attempts)
	}
	if !IsTimeout(err) {
		t.Error("last error should be reachable through the wrap chain")
	}
}

func TestRetryableFlag(t *testing.T) {
	base := errors.New("transient")

	retryable := MarkRetryable(base)
	if flag, ok := RetryableFlag(retryable); !ok || !flag {
		t.Errorf("expected explicit retryable, got flag=%v ok=%v", flag, ok)
	}

	fatal := MarkNonRetryable(base)
	if flag, ok := RetryableFlag(fatal); !ok || flag {
		t.Errorf("expected explicit non-retryable, got flag=%v ok=%v", flag, ok)
	}

	if _, ok := RetryableFlag(base); ok {
		t.Error("unflagged error should report ok=false")
	}

	// The flag survives wrapping.
	wrapped := fmt.Errorf("call failed: %w", retryable)
	if flag, ok := RetryableFlag(wrapped); !ok || !flag {
		t.Error("flag should be recovered through a wrap chain")
	}

	if !errors.Is(retryable, base) {
		t.Error("wrapper should unwrap to its cause")
	}
}

func TestMarkRetryableNil(t *testing.T) {
	if MarkRetryable(nil) != nil || MarkNonRetryable(nil) != nil {
		t.Error("marking nil should return nil")
	}
}

func TestConfigErrorNamesField(t *testing.T) {
	err := NewConfigError("queueTimeout", "must not exceed 1h")
	if err.Field != "queueTimeout" {
		t.Errorf("field not preserved: %q", err.Field)
	}
	if !strings.Contains(err.Error(), "queueTimeout") {
		t.Errorf("message should name the field: %q", err.Error())
	}
}
