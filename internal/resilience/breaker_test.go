package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClock lets tests advance breaker time without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg BreakerConfig) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker("test", cfg)
	cb.now = clock.now
	return cb, clock
}

var errBoom = errors.New("boom")

func TestBreakerOpensAfterThresholdAndFailsFast(t *testing.T) {
	cfg := BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
		MonitoringPeriod: time.Minute,
	}
	cb, _ := newTestBreaker(cfg)
	ctx := context.Background()

	invocations := 0
	fail := func(ctx context.Context) error { invocations++; return errBoom }

	for i := 0; i < cfg.FailureThreshold; i++ {
		if err := cb.Execute(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: err=%v, want errBoom", i, err)
		}
	}
	if got := cb.State(); got != BreakerOpen {
		t.Fatalf("state=%s, want OPEN", got)
	}

	// While open, the operation must never be invoked.
	before := invocations
	for i := 0; i < 5; i++ {
		err := cb.Execute(ctx, fail)
		var open *CircuitOpenError
		if !errors.As(err, &open) {
			t.Fatalf("expected CircuitOpenError, got %v", err)
		}
	}
	if invocations != before {
		t.Fatalf("operation invoked %d times while open", invocations-before)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cfg := BreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 2,
		ResetTimeout:     10 * time.Second,
		MonitoringPeriod: time.Minute,
	}
	cb, clock := newTestBreaker(cfg)
	ctx := context.Background()

	fail := func(ctx context.Context) error { return errBoom }
	ok := func(ctx context.Context) error { return nil }

	cb.Execute(ctx, fail)
	cb.Execute(ctx, fail)
	if cb.State() != BreakerOpen {
		t.Fatalf("state=%s, want OPEN", cb.State())
	}

	// After the reset timeout the next call is a trial and does invoke op.
	clock.advance(cfg.ResetTimeout + time.Second)
	invoked := false
	if err := cb.Execute(ctx, func(ctx context.Context) error { invoked = true; return nil }); err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if !invoked {
		t.Fatal("trial call did not invoke the operation")
	}
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state=%s, want HALF_OPEN", cb.State())
	}

	// Second consecutive success closes the circuit.
	if err := cb.Execute(ctx, ok); err != nil {
		t.Fatalf("second success failed: %v", err)
	}
	if cb.State() != BreakerClosed {
		t.Fatalf("state=%s, want CLOSED", cb.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		ResetTimeout:     10 * time.Second,
		MonitoringPeriod: time.Minute,
	}
	cb, clock := newTestBreaker(cfg)
	ctx := context.Background()
	fail := func(ctx context.Context) error { return errBoom }

	cb.Execute(ctx, fail)
	clock.advance(cfg.ResetTimeout + time.Second)

	// Trial call fails: reopen with a fresh nextAttemptTime.
	if err := cb.Execute(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("trial err=%v, want errBoom", err)
	}
	if cb.State() != BreakerOpen {
		t.Fatalf("state=%s, want OPEN", cb.State())
	}
	err := cb.Execute(ctx, fail)
	var open *CircuitOpenError
	if !errors.As(err, &open) {
		t.Fatalf("expected fail-fast after reopen, got %v", err)
	}
}

func TestBreakerFailuresOutsideWindowIgnored(t *testing.T) {
	cfg := BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		ResetTimeout:     10 * time.Second,
		MonitoringPeriod: 10 * time.Second,
	}
	cb, clock := newTestBreaker(cfg)
	ctx := context.Background()
	fail := func(ctx context.Context) error { return errBoom }

	cb.Execute(ctx, fail)
	cb.Execute(ctx, fail)
	// Let the first two failures age out of the monitoring window.
	clock.advance(cfg.MonitoringPeriod + time.Second)
	cb.Execute(ctx, fail)

	if cb.State() != BreakerClosed {
		t.Fatalf("state=%s, want CLOSED (stale failures must not count)", cb.State())
	}
}

func TestBreakerReset(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour, MonitoringPeriod: time.Hour}
	cb, _ := newTestBreaker(cfg)
	ctx := context.Background()

	cb.Execute(ctx, func(ctx context.Context) error { return errBoom })
	if cb.State() != BreakerOpen {
		t.Fatalf("state=%s, want OPEN", cb.State())
	}
	cb.Reset()
	if cb.State() != BreakerClosed {
		t.Fatalf("state=%s, want CLOSED after Reset", cb.State())
	}
	if err := cb.Execute(ctx, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("call after reset: %v", err)
	}

	stats := cb.Stats()
	if stats.TotalCalls != 2 || stats.TotalFailures != 1 || stats.TotalSuccesses != 1 {
		t.Fatalf("stats=%+v, want 2 calls / 1 failure / 1 success", stats)
	}
}
