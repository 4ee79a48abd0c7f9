// Package breaker provides per-device failure isolation.
//
// # States
//
//	Closed   -> requests pass through; consecutive failures are counted
//	Open     -> requests fail fast until a cooldown elapses
//	HalfOpen -> exactly one probe is allowed through
//
// Closed transitions to Open when consecutive failures reach the threshold.
// Open transitions to HalfOpen after the cooldown; each re-open doubles the
// cooldown up to a cap, and a successful half-open probe resets it.
//
// A breaker is exclusively owned by the collector for its device's lifetime
// and is safe for concurrent use: a device's metrics may be probed in
// parallel, so Allow/RecordSuccess/RecordFailure can race with each other.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds breaker tuning.
type Config struct {
	// FailureThreshold is how many consecutive failures open the breaker.
	FailureThreshold int

	// Cooldown is the initial open duration before a half-open probe.
	Cooldown time.Duration

	// MaxCooldown caps the doubled cooldown on repeated re-opens.
	MaxCooldown time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		MaxCooldown:      5 * time.Minute,
	}
}

// Breaker is a per-device circuit breaker.
type Breaker struct {
	cfg Config

	mu       sync.Mutex
	state    State
	openedAt time.Time

	failures      int           // consecutive failures while closed
	cooldown      time.Duration // current open duration (doubles on re-open)
	probeInFlight bool          // half-open probe already handed out

	// now is swappable for tests.
	now func() time.Time
}

// New creates a breaker in the Closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = DefaultConfig().MaxCooldown
	}
	return &Breaker{
		cfg:      cfg,
		state:    StateClosed,
		cooldown: cfg.Cooldown,
		now:      time.Now,
	}
}

// Allow reports whether the caller may attempt the operation now.
// In Open state it flips to HalfOpen once the cooldown has elapsed and then
// admits exactly one probe; concurrent callers are denied until that probe
// reports its outcome.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.probeInFlight = true
		return true
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess notes a successful probe.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		// Recovery: close and reset the backoff.
		b.state = StateClosed
		b.failures = 0
		b.cooldown = b.cfg.Cooldown
		b.probeInFlight = false
	case StateClosed:
		b.failures = 0
	}
}

// RecordFailure notes a failed probe.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	case StateHalfOpen:
		// Probe failed: re-open with doubled cooldown.
		b.cooldown *= 2
		if b.cooldown > b.cfg.MaxCooldown {
			b.cooldown = b.cfg.MaxCooldown
		}
		b.open()
	}
}

// open transitions to Open. Caller holds the lock.
func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	b.probeInFlight = false
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot describes the breaker for introspection endpoints.
type Snapshot struct {
	State    State         `json:"state"`
	Failures int           `json:"failures"`
	Cooldown time.Duration `json:"cooldown"`
	OpenedAt time.Time     `json:"opened_at,omitempty"`
}

// Snapshot returns the current internals.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:    b.state,
		Failures: b.failures,
		Cooldown: b.cooldown,
		OpenedAt: b.openedAt,
	}
}
