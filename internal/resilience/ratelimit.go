package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned synchronously when the waiter queue is at capacity.
	ErrQueueFull = errors.New("rate limiter queue full")
	// ErrLimiterClosed is returned to callers once Shutdown has run.
	ErrLimiterClosed = errors.New("rate limiter shut down")
)

// refillInterval is the token refill tick.
const refillInterval = 100 * time.Millisecond

// RateLimitConfig tunes the token bucket.
type RateLimitConfig struct {
	RequestsPerSecond float64 // refill rate
	BurstCapacity     float64 // max tokens
	MaxQueueSize      int     // waiters allowed before synchronous rejection
}

// DefaultRateLimitConfig matches typical exchange REST budgets.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 10,
		BurstCapacity:     20,
		MaxQueueSize:      100,
	}
}

type waiter struct {
	n    float64
	done chan error // buffered, single send
}

// RateLimiter is a token bucket with strict FIFO queueing. One instance is
// shared by all callers of the dependency it guards.
type RateLimiter struct {
	cfg RateLimitConfig

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	queue      []*waiter
	closed     bool

	served   int64
	rejected int64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a limiter with a full bucket and starts the refill loop.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		cfg:        cfg,
		tokens:     cfg.BurstCapacity,
		lastRefill: time.Now(),
		stop:       make(chan struct{}),
	}
	go rl.refillLoop()
	return rl
}

func (rl *RateLimiter) refillLoop() {
	ticker := time.NewTicker(refillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.refill()
		}
	}
}

func (rl *RateLimiter) refill() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.closed {
		return
	}
	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.lastRefill = now
	rl.tokens += rl.cfg.RequestsPerSecond * elapsed
	if rl.tokens > rl.cfg.BurstCapacity {
		rl.tokens = rl.cfg.BurstCapacity
	}
	// Serve the queue head-first while tokens suffice; never skip ahead.
	for len(rl.queue) > 0 {
		head := rl.queue[0]
		if head.done == nil {
			rl.queue = rl.queue[1:]
			continue
		}
		if rl.tokens < head.n {
			break
		}
		rl.tokens -= head.n
		rl.served++
		head.done <- nil
		rl.queue = rl.queue[1:]
	}
}

// Acquire consumes n tokens, blocking in FIFO order when the bucket is empty.
// It rejects synchronously with ErrQueueFull when the queue is at capacity.
func (rl *RateLimiter) Acquire(ctx context.Context, n float64) error {
	rl.mu.Lock()
	if rl.closed {
		rl.mu.Unlock()
		return ErrLimiterClosed
	}
	if len(rl.queue) == 0 && rl.tokens >= n {
		rl.tokens -= n
		rl.served++
		rl.mu.Unlock()
		return nil
	}
	if len(rl.queue) >= rl.cfg.MaxQueueSize {
		rl.rejected++
		rl.mu.Unlock()
		return ErrQueueFull
	}
	w := &waiter{n: n, done: make(chan error, 1)}
	rl.queue = append(rl.queue, w)
	rl.mu.Unlock()

	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		rl.mu.Lock()
		for i, q := range rl.queue {
			if q == w {
				rl.queue = append(rl.queue[:i], rl.queue[i+1:]...)
				break
			}
		}
		rl.mu.Unlock()
		// The refill loop may have served the waiter before removal.
		select {
		case err := <-w.done:
			return err
		default:
		}
		return ctx.Err()
	}
}

// Execute acquires n tokens then invokes fn. Rate limiting never swallows
// fn's own error.
func (rl *RateLimiter) Execute(ctx context.Context, n float64, fn func(ctx context.Context) error) error {
	if err := rl.Acquire(ctx, n); err != nil {
		return err
	}
	return fn(ctx)
}

// LimiterStats is a point-in-time snapshot for the ops API.
type LimiterStats struct {
	Tokens    float64 `json:"tokens"`
	QueueLen  int     `json:"queue_len"`
	Served    int64   `json:"served"`
	Rejected  int64   `json:"rejected"`
	Burst     float64 `json:"burst_capacity"`
	RatePerSc float64 `json:"requests_per_second"`
}

// Stats returns current token and queue counters.
func (rl *RateLimiter) Stats() LimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return LimiterStats{
		Tokens:    rl.tokens,
		QueueLen:  len(rl.queue),
		Served:    rl.served,
		Rejected:  rl.rejected,
		Burst:     rl.cfg.BurstCapacity,
		RatePerSc: rl.cfg.RequestsPerSecond,
	}
}

// Shutdown stops the refill loop and rejects all queued waiters.
func (rl *RateLimiter) Shutdown() {
	rl.stopOnce.Do(func() { close(rl.stop) })
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.closed {
		return
	}
	rl.closed = true
	for _, w := range rl.queue {
		w.done <- ErrLimiterClosed
	}
	rl.queue = nil
}
