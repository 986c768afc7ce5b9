package circuitbreaker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mattsp1290/fortify/pkg/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCircuitBreaker_BasicOperation(t *testing.T) {
	cb, err := New(Config{MaxFailures: 3, Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected config error: %v", err)
	}

	if cb.State() != StateClosed {
		t.Errorf("expected state CLOSED, got %v", cb.State())
	}

	if err := cb.Execute(context.Background(), func(ctx context.Context) error {
		return nil
	}); err != nil {
		t.Errorf("expected no error, got %v", err)
	}

	counts := cb.GetCounts()
	if counts.Requests != 1 || counts.TotalSuccesses != 1 {
		t.Errorf("expected 1 request and 1 success, got %+v", counts)
	}
}

func TestCircuitBreaker_FailureThreshold(t *testing.T) {
	cb, err := New(Config{MaxFailures: 3, Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		execErr := cb.Execute(context.Background(), func(ctx context.Context) error {
			return fmt.Errorf("failure %d", i)
		})
		if execErr == nil {
			t.Errorf("expected error for failure %d", i)
		}
		if i < 2 && cb.State() != StateClosed {
			t.Errorf("expected CLOSED after %d failures, got %v", i+1, cb.State())
		}
	}

	if cb.State() != StateOpen {
		t.Errorf("expected OPEN after 3 failures, got %v", cb.State())
	}

	execErr := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.IsCircuitOpen(execErr) {
		t.Errorf("expected CircuitOpenError when open, got %v", execErr)
	}
}

func TestCircuitBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	cb, err := New(Config{MaxFailures: 3, Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	failing := func(ctx context.Context) error { return stderrors.New("boom") }
	succeeding := func(ctx context.Context) error { return nil }

	cb.Execute(context.Background(), failing)
	cb.Execute(context.Background(), failing)
	cb.Execute(context.Background(), succeeding)

	counts := cb.GetCounts()
	if counts.ConsecutiveFailures != 0 {
		t.Errorf("expected consecutive failures reset, got %+v", counts)
	}

	cb.Execute(context.Background(), failing)
	cb.Execute(context.Background(), failing)
	if cb.State() != StateClosed {
		t.Errorf("expected CLOSED, a success should have broken the streak, got %v", cb.State())
	}
}

func TestCircuitBreaker_ReadyToTripConsultedOncePerOutcome(t *testing.T) {
	var consultations atomic.Int32
	cb, err := New(Config{
		MaxFailures: 100,
		Timeout:     100 * time.Millisecond,
		ReadyToTrip: func(counts Counts) bool {
			consultations.Add(1)
			return counts.ConsecutiveFailures >= 2
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	failing := func(ctx context.Context) error { return stderrors.New("boom") }
	cb.Execute(context.Background(), failing)
	cb.Execute(context.Background(), failing)

	if got := consultations.Load(); got != 2 {
		t.Errorf("expected 2 consultations, got %d", got)
	}
	if cb.State() != StateOpen {
		t.Errorf("expected OPEN via custom trip policy, got %v", cb.State())
	}
}

func TestCircuitBreaker_RecoveryWindow(t *testing.T) {
	cb, err := New(Config{
		MaxFailures:         1,
		Timeout:             80 * time.Millisecond,
		TimeoutJitter:       0,
		HalfOpenMaxRequests: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	cb.Execute(context.Background(), func(ctx context.Context) error {
		return stderrors.New("boom")
	})
	if cb.State() != StateOpen {
		t.Fatalf("expected OPEN, got %v", cb.State())
	}

	// Inside the window: reject, stay open.
	time.Sleep(30 * time.Millisecond)
	execErr := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.IsCircuitOpen(execErr) {
		t.Errorf("expected CircuitOpenError inside the window, got %v", execErr)
	}
	if cb.State() != StateOpen {
		t.Errorf("expected state to remain OPEN, got %v", cb.State())
	}

	// Past the window: admit a probe and close on success.
	time.Sleep(60 * time.Millisecond)
	if execErr := cb.Execute(context.Background(), func(ctx context.Context) error { return nil }); execErr != nil {
		t.Errorf("expected probe admission, got %v", execErr)
	}
	if cb.State() != StateClosed {
		t.Errorf("expected CLOSED after successful probe, got %v", cb.State())
	}
}

func TestCircuitBreaker_JitterDelaysRecovery(t *testing.T) {
	cb, err := New(Config{
		MaxFailures:   1,
		Timeout:       60 * time.Millisecond,
		TimeoutJitter: 1.0,
	})
	if err != nil {
		t.Fatal(err)
	}

	cb.Execute(context.Background(), func(ctx context.Context) error {
		return stderrors.New("boom")
	})

	// The window is at least Timeout regardless of the jitter sample.
	time.Sleep(20 * time.Millisecond)
	execErr := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.IsCircuitOpen(execErr) {
		t.Errorf("expected rejection before Timeout elapsed, got %v", execErr)
	}

	// And at most Timeout*(1+jitter); poll until the probe is admitted.
	deadline := time.Now().Add(2 * 60 * time.Millisecond)
	admitted := false
	for time.Now().Before(deadline.Add(50 * time.Millisecond)) {
		if execErr := cb.Execute(context.Background(), func(ctx context.Context) error { return nil }); execErr == nil {
			admitted = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !admitted {
		t.Error("probe was never admitted within Timeout*(1+jitter)")
	}
}

func TestCircuitBreaker_HalfOpenBudget(t *testing.T) {
	cb, err := New(Config{
		MaxFailures:         1,
		Timeout:             20 * time.Millisecond,
		TimeoutJitter:       0,
		HalfOpenMaxRequests: 2,
	})
	if err != nil {
		t.Fatal(err)
	}

	cb.Execute(context.Background(), func(ctx context.Context) error {
		return stderrors.New("boom")
	})
	time.Sleep(30 * time.Millisecond)

	block := make(chan struct{})
	started := make(chan struct{}, 2)
	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- cb.Execute(context.Background(), func(ctx context.Context) error {
				started <- struct{}{}
				<-block
				return nil
			})
		}()
	}
	<-started
	<-started

	// Budget exhausted: a third admission fails while two probes are in flight.
	execErr := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.IsCircuitOpen(execErr) {
		t.Errorf("expected CircuitOpenError with probe budget exhausted, got %v", execErr)
	}

	close(block)
	wg.Wait()
	if err := <-results; err != nil {
		t.Errorf("probe failed: %v", err)
	}
	if err := <-results; err != nil {
		t.Errorf("probe failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("expected CLOSED after successful probes, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, err := New(Config{
		MaxFailures:   1,
		Timeout:       20 * time.Millisecond,
		TimeoutJitter: 0,
	})
	if err != nil {
		t.Fatal(err)
	}

	cb.Execute(context.Background(), func(ctx context.Context) error {
		return stderrors.New("boom")
	})
	time.Sleep(30 * time.Millisecond)

	cb.Execute(context.Background(), func(ctx context.Context) error {
		return stderrors.New("still broken")
	})
	if cb.State() != StateOpen {
		t.Errorf("expected OPEN after failed probe, got %v", cb.State())
	}

	// The reopened window applies afresh.
	execErr := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.IsCircuitOpen(execErr) {
		t.Errorf("expected rejection inside the reopened window, got %v", execErr)
	}
}

func TestCircuitBreaker_StateChangeEvents(t *testing.T) {
	var mu sync.Mutex
	var events []string
	cb, err := New(Config{
		Name:                "probe-test",
		MaxFailures:         1,
		Timeout:             40 * time.Millisecond,
		TimeoutJitter:       0,
		HalfOpenMaxRequests: 1,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			events = append(events, fmt.Sprintf("%s->%s", from, to))
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	cb.Execute(context.Background(), func(ctx context.Context) error {
		return stderrors.New("boom")
	})

	mu.Lock()
	if len(events) != 1 || events[0] != "CLOSED->OPEN" {
		t.Fatalf("expected one CLOSED->OPEN event, got %v", events)
	}
	events = nil
	mu.Unlock()

	// Inside the window: no transition, no event.
	cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	mu.Lock()
	if len(events) != 0 {
		t.Fatalf("expected no events from a rejected call, got %v", events)
	}
	mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	if execErr := cb.Execute(context.Background(), func(ctx context.Context) error { return nil }); execErr != nil {
		t.Fatalf("expected probe admission, got %v", execErr)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != "OPEN->HALF_OPEN" || events[1] != "HALF_OPEN->CLOSED" {
		t.Errorf("expected exactly OPEN->HALF_OPEN, HALF_OPEN->CLOSED, got %v", events)
	}
}

func TestCircuitBreaker_PanicsNotCounted(t *testing.T) {
	cb, err := New(Config{MaxFailures: 1, Timeout: time.Minute})
	if err != nil {
		t.Fatal(err)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected the panic to propagate")
			}
		}()
		cb.Execute(context.Background(), func(ctx context.Context) error {
			panic("op exploded")
		})
	}()

	counts := cb.GetCounts()
	if counts.Requests != 0 || counts.TotalFailures != 0 {
		t.Errorf("panic must not be counted, got %+v", counts)
	}
	if cb.State() != StateClosed {
		t.Errorf("expected CLOSED after uncounted panic, got %v", cb.State())
	}
}

func TestCircuitBreaker_CancellationNotCounted(t *testing.T) {
	cb, err := New(Config{MaxFailures: 1, Timeout: time.Minute})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	execErr := cb.Execute(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	if !stderrors.Is(execErr, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", execErr)
	}

	counts := cb.GetCounts()
	if counts.Requests != 0 {
		t.Errorf("cancellation must not be counted, got %+v", counts)
	}
	if cb.State() != StateClosed {
		t.Errorf("expected CLOSED, got %v", cb.State())
	}
}

func TestCircuitBreaker_CustomIsSuccessful(t *testing.T) {
	benign := stderrors.New("not found")
	cb, err := New(Config{
		MaxFailures: 1,
		Timeout:     time.Minute,
		IsSuccessful: func(err error) bool {
			return err == nil || stderrors.Is(err, benign)
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	cb.Execute(context.Background(), func(ctx context.Context) error { return benign })
	if cb.State() != StateClosed {
		t.Errorf("benign error should not open the breaker, got %v", cb.State())
	}
	counts := cb.GetCounts()
	if counts.TotalSuccesses != 1 {
		t.Errorf("benign error should count as success, got %+v", counts)
	}
}

func TestCircuitBreaker_ResetEvents(t *testing.T) {
	var events atomic.Int32
	cb, err := New(Config{
		MaxFailures: 1,
		Timeout:     time.Minute,
		OnStateChange: func(string, State, State) {
			events.Add(1)
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Reset while already closed: no event.
	cb.Reset()
	if got := events.Load(); got != 0 {
		t.Errorf("expected no event for CLOSED reset, got %d", got)
	}

	cb.Execute(context.Background(), func(ctx context.Context) error {
		return stderrors.New("boom")
	})
	events.Store(0)

	cb.Reset()
	if got := events.Load(); got != 1 {
		t.Errorf("expected one event for OPEN->CLOSED reset, got %d", got)
	}
	if cb.State() != StateClosed {
		t.Errorf("expected CLOSED after reset, got %v", cb.State())
	}
	if counts := cb.GetCounts(); counts != (Counts{}) {
		t.Errorf("expected zeroed counts after reset, got %+v", counts)
	}
}

func TestCircuitBreaker_ManualTrip(t *testing.T) {
	cb, err := New(Config{MaxFailures: 5, Timeout: time.Minute})
	if err != nil {
		t.Fatal(err)
	}

	cb.Trip()
	if cb.State() != StateOpen {
		t.Errorf("expected OPEN after Trip, got %v", cb.State())
	}
	execErr := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.IsCircuitOpen(execErr) {
		t.Errorf("expected CircuitOpenError, got %v", execErr)
	}
}

func TestCircuitBreaker_PeriodicReset(t *testing.T) {
	cb, err := New(Config{
		MaxFailures: 10,
		Timeout:     time.Minute,
		Interval:    30 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cb.Destroy()

	cb.Execute(context.Background(), func(ctx context.Context) error {
		return stderrors.New("boom")
	})
	if counts := cb.GetCounts(); counts.TotalFailures != 1 {
		t.Fatalf("expected one failure recorded, got %+v", counts)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cb.GetCounts() == (Counts{}) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if counts := cb.GetCounts(); counts != (Counts{}) {
		t.Errorf("expected counts zeroed by periodic reset, got %+v", counts)
	}
}

func TestCircuitBreaker_DestroyIdempotent(t *testing.T) {
	cb, err := New(Config{MaxFailures: 1, Timeout: time.Minute, Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	cb.Destroy()
	cb.Destroy()
}

func TestCircuitBreaker_CallbackPanicSwallowed(t *testing.T) {
	cb, err := New(Config{
		MaxFailures: 1,
		Timeout:     time.Minute,
		OnStateChange: func(string, State, State) {
			panic("callback exploded")
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	cb.Execute(context.Background(), func(ctx context.Context) error {
		return stderrors.New("boom")
	})
	if cb.State() != StateOpen {
		t.Errorf("transition must survive a panicking callback, got %v", cb.State())
	}
}

func TestCircuitBreaker_ConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		config Config
		field  string
	}{
		{"zero max failures", Config{MaxFailures: 0}, "maxFailures"},
		{"negative timeout", Config{MaxFailures: 1, Timeout: -time.Second}, "timeout"},
		{"jitter above one", Config{MaxFailures: 1, TimeoutJitter: 1.5}, "timeoutJitter"},
		{"negative jitter", Config{MaxFailures: 1, TimeoutJitter: -0.1}, "timeoutJitter"},
		{"negative interval", Config{MaxFailures: 1, Interval: -time.Second}, "interval"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.config)
			var cfgErr *errors.ConfigError
			if !stderrors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cfgErr.Field != tc.field {
				t.Errorf("expected field %q, got %q", tc.field, cfgErr.Field)
			}
		})
	}
}

func TestCircuitBreaker_Call(t *testing.T) {
	cb, err := New(DefaultConfig("call-test"))
	if err != nil {
		t.Fatal(err)
	}

	got, err := Call(context.Background(), cb, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Errorf("expected 42, got %d (err %v)", got, err)
	}
}
