// Package resilience keeps a session connectable when a speech transport
// misbehaves.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open) that
// stops hammering a backend after repeated connect failures. [Failover]
// implements [s2s.Provider] on top of an ordered list of transports, each
// guarded by its own breaker, and connects through the first healthy one.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the cooldown elapses.
	StateOpen

	// StateHalfOpen lets a single trial call through. Its outcome closes or
	// re-opens the breaker.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker].
type BreakerConfig struct {
	// Name labels log lines.
	Name string

	// Threshold is the number of consecutive failures that opens the
	// breaker. Default: 3.
	Threshold int

	// Cooldown is how long the breaker stays open before a trial call is allowed.
	// Default: 30s.
	Cooldown time.Duration
}

// Defaults used by [NewBreaker].
const (
	DefaultThreshold = 3
	DefaultCooldown  = 30 * time.Second
)

// Breaker trips after Threshold consecutive failures.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker returns a closed breaker. Zero config fields take the defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		now:       time.Now,
	}
}

// Do runs fn when the breaker admits a call and records its outcome. Errors
// returned after ctx ended are passed through but not counted as failures.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if trial {
		b.probing = false
	}
	switch {
	case err == nil:
		b.succeed()
	case ctx.Err() != nil:
		// Abandoned trial: leave the breaker half-open for the next caller.
	default:
		b.fail(trial)
	}
	return err
}

// admit decides whether a call may proceed and whether it is the half-open
// trial.
func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = StateHalfOpen
		slog.Info("circuit half-open", "name", b.name)
	}
	switch b.state {
	case StateOpen:
		return false, ErrOpen
	case StateHalfOpen:
		if b.probing {
			return false, ErrOpen
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

// succeed must be called with b.mu held.
func (b *Breaker) succeed() {
	if b.state != StateClosed {
		slog.Info("circuit closed", "name", b.name)
	}
	b.state = StateClosed
	b.failures = 0
}

// fail must be called with b.mu held.
func (b *Breaker) fail(trial bool) {
	b.failures++
	if trial || b.failures >= b.threshold {
		if b.state != StateOpen {
			slog.Warn("circuit opened", "name", b.name, "consecutive_failures", b.failures)
		}
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// State returns the current state. An open breaker whose cooldown has elapsed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probing = false
}
