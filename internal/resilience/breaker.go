package resilience

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state machine state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitOpenError is returned when the breaker rejects a call without
// invoking the wrapped operation.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open, retry in %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// BreakerConfig tunes a CircuitBreaker.
type BreakerConfig struct {
	FailureThreshold int           // failures within MonitoringPeriod that open the circuit
	SuccessThreshold int           // consecutive half-open successes that close it
	ResetTimeout     time.Duration // how long the circuit stays open before a trial call
	MonitoringPeriod time.Duration // sliding window for counting failures
}

// DefaultBreakerConfig matches exchange REST call characteristics.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
		MonitoringPeriod: time.Minute,
	}
}

// CircuitBreaker isolates one external dependency. A single instance is
// shared by every caller of that dependency.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig

	mu           sync.Mutex
	state        BreakerState
	failures     []time.Time // sliding window of failure timestamps
	successCount int
	nextAttempt  time.Time

	totalCalls     int64
	totalFailures  int64
	totalSuccesses int64
	rejectedCalls  int64

	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker for the named dependency.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		state: BreakerClosed,
		now:   time.Now,
	}
}

// Execute runs op under the breaker. When the circuit is open and the reset
// timeout has not elapsed, op is never invoked and a CircuitOpenError is
// returned immediately.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	cb.mu.Lock()
	now := cb.now()
	if cb.state == BreakerOpen {
		if now.Before(cb.nextAttempt) {
			cb.rejectedCalls++
			retryAfter := cb.nextAttempt.Sub(now)
			cb.mu.Unlock()
			return &CircuitOpenError{Name: cb.name, RetryAfter: retryAfter}
		}
		// Timeout elapsed: let one trial call through.
		cb.state = BreakerHalfOpen
		cb.successCount = 0
		log.Printf("breaker %s: OPEN -> HALF_OPEN", cb.name)
	}
	cb.totalCalls++
	cb.mu.Unlock()

	err := op(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}

func (cb *CircuitBreaker) onSuccess() {
	cb.totalSuccesses++
	switch cb.state {
	case BreakerHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			cb.state = BreakerClosed
			cb.failures = nil
			cb.successCount = 0
			log.Printf("breaker %s: HALF_OPEN -> CLOSED", cb.name)
		}
	case BreakerClosed:
		cb.failures = nil
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.totalFailures++
	now := cb.now()
	cb.failures = append(cb.failures, now)

	switch cb.state {
	case BreakerHalfOpen:
		// Any half-open failure reopens immediately.
		cb.state = BreakerOpen
		cb.nextAttempt = now.Add(cb.cfg.ResetTimeout)
		log.Printf("breaker %s: HALF_OPEN -> OPEN (trial call failed)", cb.name)
	case BreakerClosed:
		cutoff := now.Add(-cb.cfg.MonitoringPeriod)
		recent := cb.failures[:0]
		for _, ts := range cb.failures {
			if ts.After(cutoff) {
				recent = append(recent, ts)
			}
		}
		cb.failures = recent
		if len(cb.failures) >= cb.cfg.FailureThreshold {
			cb.state = BreakerOpen
			cb.nextAttempt = now.Add(cb.cfg.ResetTimeout)
			log.Printf("breaker %s: CLOSED -> OPEN (%d failures in %s)", cb.name, len(cb.failures), cb.cfg.MonitoringPeriod)
		}
	}
}

// BreakerStats is a point-in-time snapshot for the ops API.
type BreakerStats struct {
	Name           string       `json:"name"`
	State          BreakerState `json:"state"`
	RecentFailures int          `json:"recent_failures"`
	SuccessCount   int          `json:"success_count"`
	TotalCalls     int64        `json:"total_calls"`
	TotalFailures  int64        `json:"total_failures"`
	TotalSuccesses int64        `json:"total_successes"`
	RejectedCalls  int64        `json:"rejected_calls"`
	NextAttempt    time.Time    `json:"next_attempt,omitempty"`
}

// Stats returns a snapshot of the breaker state and counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		Name:           cb.name,
		State:          cb.state,
		RecentFailures: len(cb.failures),
		SuccessCount:   cb.successCount,
		TotalCalls:     cb.totalCalls,
		TotalFailures:  cb.totalFailures,
		TotalSuccesses: cb.totalSuccesses,
		RejectedCalls:  cb.rejectedCalls,
		NextAttempt:    cb.nextAttempt,
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker back to CLOSED and clears all window state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failures = nil
	cb.successCount = 0
	cb.nextAttempt = time.Time{}
}
