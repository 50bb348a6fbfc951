// Package breaker implements the Closed/Open/HalfOpen circuit breaker shared by
// the RPC endpoint pool and the notification runtime.
package breaker

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the breaker state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config controls breaker transitions.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"           json:"timeout"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"`
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	FailureThreshold: 5,
	Timeout:          30 * time.Second,
	SuccessThreshold: 2,
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultConfig.Timeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultConfig.SuccessThreshold
	}
	return c
}

// Snapshot is a point-in-time view of the breaker.
type Snapshot struct {
	State     State     `json:"state"`
	Failures  int       `json:"failures"`
	Successes int       `json:"successes"`
	OpenedAt  time.Time `json:"opened_at,omitempty"`
}

// CircuitBreaker guards an unreliable downstream.
//
// Closed -> Open after FailureThreshold consecutive failures.
// Open -> HalfOpen lazily, when CanExecute observes Timeout elapsed.
// HalfOpen -> Closed after SuccessThreshold successes; HalfOpen -> Open on any failure.
type CircuitBreaker struct {
	name string
	cfg  Config

	state atomic.Int32

	mu        sync.Mutex
	failures  int
	successes int
	openedAt  time.Time

	now      func() time.Time
	onChange func(name string, from, to State)
}

// New creates a closed breaker.
func New(name string, cfg Config) *CircuitBreaker {
	return &CircuitBreaker{
		name: name,
		cfg:  cfg.withDefaults(),
		now:  time.Now,
	}
}

// Name returns the breaker name.
func (b *CircuitBreaker) Name() string {
	return b.name
}

// SetClock replaces the time source. Intended for tests.
func (b *CircuitBreaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// OnStateChange registers a callback invoked after every transition.
// The callback runs without the breaker lock held.
func (b *CircuitBreaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// State returns the current state without triggering the lazy Open -> HalfOpen move.
func (b *CircuitBreaker) State() State {
	return State(b.state.Load())
}

// CanExecute reports whether a call may proceed.
func (b *CircuitBreaker) CanExecute() bool {
	switch b.State() {
	case StateClosed, StateHalfOpen:
		return true
	}

	b.mu.Lock()
	if State(b.state.Load()) != StateOpen {
		b.mu.Unlock()
		return true
	}
	if b.now().Sub(b.openedAt) < b.cfg.Timeout {
		b.mu.Unlock()
		return false
	}
	cb := b.transitionLocked(StateHalfOpen)
	b.mu.Unlock()
	cb()
	return true
}

// RecordSuccess records a successful call.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	cb := func() {}
	switch State(b.state.Load()) {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			cb = b.transitionLocked(StateClosed)
		}
	}
	b.mu.Unlock()
	cb()
}

// RecordFailure records a failed call.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	cb := func() {}
	switch State(b.state.Load()) {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			cb = b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		cb = b.transitionLocked(StateOpen)
	}
	b.mu.Unlock()
	cb()
}

// Reset forces the breaker back to Closed.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	cb := b.transitionLocked(StateClosed)
	b.mu.Unlock()
	cb()
}

// Snapshot returns the breaker counters.
func (b *CircuitBreaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:     State(b.state.Load()),
		Failures:  b.failures,
		Successes: b.successes,
		OpenedAt:  b.openedAt,
	}
}

func (b *CircuitBreaker) transitionLocked(to State) func() {
	from := State(b.state.Load())
	b.failures = 0
	b.successes = 0
	if to == StateOpen {
		b.openedAt = b.now()
	} else {
		b.openedAt = time.Time{}
	}
	b.state.Store(int32(to))

	fn := b.onChange
	if fn == nil || from == to {
		return func() {}
	}
	name := b.name
	return func() { fn(name, from, to) }
}
