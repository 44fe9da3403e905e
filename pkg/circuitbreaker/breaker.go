// Package circuitbreaker blocks delivery attempts against destinations
// that keep failing, so one dead endpoint cannot monopolize workers.
//
// A breaker is closed while deliveries succeed. Reaching the failure
// threshold opens it for a cooldown period during which every attempt is
// refused. After the cooldown a single probe is let through; its outcome
// either closes the breaker again or restarts the cooldown.
package circuitbreaker

import (
	"sync"
	"time"
)

// State identifies the phase a breaker is in.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config bounds a breaker's tolerance.
type Config struct {
	Threshold int           // consecutive failures that open the breaker
	Cooldown  time.Duration // refusal period before the probe
}

// DefaultConfig returns the tolerance used when callers pass zero values.
func DefaultConfig() Config {
	return Config{Threshold: 5, Cooldown: 30 * time.Second}
}

// Breaker guards a single destination. Construct with New; all methods are
// safe for concurrent use.
//
// The phase is not stored, it is derived: a zero openedAt means closed, an
// openedAt within the cooldown means open, an older one means half-open.
type Breaker struct {
	mu       sync.Mutex
	strikes  int       // consecutive failures
	openedAt time.Time // zero while closed
	probing  bool      // a half-open probe is in flight

	threshold int
	cooldown  time.Duration
}

// New builds a breaker, substituting defaults for non-positive settings.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{threshold: cfg.Threshold, cooldown: cfg.Cooldown}
}

func (b *Breaker) phase() State {
	switch {
	case b.openedAt.IsZero():
		return Closed
	case time.Since(b.openedAt) <= b.cooldown:
		return Open
	default:
		return HalfOpen
	}
}

// Allow reports whether a delivery may be attempted right now. In the
// half-open phase exactly one caller gets true until the probe's outcome
// is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.phase() {
	case Closed:
		return true
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// RecordSuccess closes the breaker and forgets past failures.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.strikes = 0
	b.openedAt = time.Time{}
	b.probing = false
}

// RecordFailure counts a failed delivery. Reaching the threshold opens the
// breaker; any failure while open or half-open restarts the cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.strikes++
	b.probing = false
	if !b.openedAt.IsZero() || b.strikes >= b.threshold {
		b.openedAt = time.Now()
	}
}

// State returns the phase the breaker is in right now.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase()
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.strikes
}

// Reset closes the breaker unconditionally.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.strikes = 0
	b.openedAt = time.Time{}
	b.probing = false
}
