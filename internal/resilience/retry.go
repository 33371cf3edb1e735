package resilience

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net"
	"time"
)

// RetryExhaustedError wraps the last failure after all attempts were spent.
type RetryExhaustedError struct {
	Label    string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Label, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// RetryConfig tunes the exponential backoff schedule.
type RetryConfig struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration // backoff cap
	Factor     float64       // exponential growth factor
	Jitter     bool          // randomize each delay in [delay/2, delay]
}

// DefaultRetryConfig suits exchange REST calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  250 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Factor:     2,
		Jitter:     true,
	}
}

// Retryable marks an error as transient so the retry handler will re-attempt.
// Business rejections must not carry this.
type Retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err should be re-attempted. Network errors,
// timeouts and anything implementing Retryable()==true qualify; everything
// else is treated as a permanent rejection.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// RetryHandler re-attempts transient failures with capped exponential backoff.
type RetryHandler struct {
	cfg      RetryConfig
	classify func(error) bool
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRetryHandler creates a handler with the default classifier.
func NewRetryHandler(cfg RetryConfig) *RetryHandler {
	return &RetryHandler{cfg: cfg, classify: IsRetryable, sleep: sleepCtx}
}

// SetClassifier overrides retryable/non-retryable classification.
func (r *RetryHandler) SetClassifier(fn func(error) bool) {
	if fn != nil {
		r.classify = fn
	}
}

// Execute runs op up to 1+MaxRetries times. Non-retryable errors fail on the
// first attempt; a retryable error surviving every attempt is wrapped in a
// RetryExhaustedError.
func (r *RetryHandler) Execute(ctx context.Context, label string, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !r.classify(lastErr) {
			return lastErr
		}
		if attempt == r.cfg.MaxRetries {
			break
		}
		delay := r.delayFor(attempt)
		log.Printf("retry %s: attempt %d failed (%v), retrying in %s", label, attempt+1, lastErr, delay.Round(time.Millisecond))
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return &RetryExhaustedError{Label: label, Attempts: r.cfg.MaxRetries + 1, Err: lastErr}
}

// delayFor computes min(base*factor^attempt, max), optionally jittered.
func (r *RetryHandler) delayFor(attempt int) time.Duration {
	d := float64(r.cfg.BaseDelay) * math.Pow(r.cfg.Factor, float64(attempt))
	if capped := float64(r.cfg.MaxDelay); d > capped {
		d = capped
	}
	if r.cfg.Jitter {
		d = d/2 + rand.Float64()*d/2
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
