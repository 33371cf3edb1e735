package ws

import (
	"log"
	"math"
	"sync"
	"time"
)

// ConnState is the reconnection loop state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateReconnecting ConnState = "reconnecting"
	StateConnected    ConnState = "connected"
	StateFailed       ConnState = "failed"
	StateShutdown     ConnState = "shutdown"
)

// ReconnectConfig tunes the backoff schedule.
type ReconnectConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	MaxAttempts int
}

// DefaultReconnectConfig reconnects quickly at first, then backs off.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		Factor:      2,
		MaxAttempts: 10,
	}
}

// Reconnector drives websocket reconnection with exponential backoff.
// The attempt callback performs one dial; the failed callback fires once
// when MaxAttempts is exceeded.
type Reconnector struct {
	cfg      ReconnectConfig
	attempt  func()
	onFailed func(err error)

	mu       sync.Mutex
	state    ConnState
	attempts int
	timer    *time.Timer
}

// NewReconnector creates an idle reconnector.
func NewReconnector(cfg ReconnectConfig, attempt func(), onFailed func(err error)) *Reconnector {
	return &Reconnector{
		cfg:      cfg,
		attempt:  attempt,
		onFailed: onFailed,
		state:    StateDisconnected,
	}
}

// State returns the current loop state.
func (r *Reconnector) State() ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Connected marks the link up and resets the attempt counter.
func (r *Reconnector) Connected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateShutdown {
		return
	}
	r.state = StateConnected
	r.attempts = 0
}

// Disconnected schedules the next attempt with exponential backoff. Past
// MaxAttempts it transitions to failed and fires the terminal callback
// instead of rescheduling.
func (r *Reconnector) Disconnected(err error) {
	r.mu.Lock()
	if r.state == StateShutdown || r.state == StateFailed {
		r.mu.Unlock()
		return
	}
	r.state = StateDisconnected
	r.attempts++
	if r.cfg.MaxAttempts > 0 && r.attempts > r.cfg.MaxAttempts {
		r.state = StateFailed
		failed := r.onFailed
		r.mu.Unlock()
		log.Printf("ws: giving up after %d reconnect attempts: %v", r.attempts-1, err)
		if failed != nil {
			failed(err)
		}
		return
	}
	delay := r.backoff(r.attempts - 1)
	log.Printf("ws: disconnected (%v), reconnecting in %s (attempt %d)", err, delay.Round(time.Millisecond), r.attempts)
	r.schedule(delay)
	r.mu.Unlock()
}

// ReconnectNow bypasses backoff for an immediate forced attempt.
func (r *Reconnector) ReconnectNow() {
	r.mu.Lock()
	if r.state == StateShutdown {
		r.mu.Unlock()
		return
	}
	if r.state == StateFailed {
		r.state = StateDisconnected
		r.attempts = 0
	}
	r.schedule(0)
	r.mu.Unlock()
}

// Shutdown permanently suppresses further attempts. Safe to call repeatedly.
func (r *Reconnector) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateShutdown
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// schedule must be called with the lock held.
func (r *Reconnector) schedule(delay time.Duration) {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		if r.state == StateShutdown || r.state == StateFailed {
			r.mu.Unlock()
			return
		}
		r.state = StateReconnecting
		attempt := r.attempt
		r.mu.Unlock()
		if attempt != nil {
			attempt()
		}
	})
}

func (r *Reconnector) backoff(attempt int) time.Duration {
	d := float64(r.cfg.BaseDelay) * math.Pow(r.cfg.Factor, float64(attempt))
	if capped := float64(r.cfg.MaxDelay); d > capped {
		d = capped
	}
	return time.Duration(d)
}
