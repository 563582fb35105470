// Package circuitbreaker guards calls to an inference backend.
//
// State transitions:
//
//	Closed   → Open      when consecutive failures reach the threshold
//	Open     → HalfOpen  once the cooldown has elapsed
//	HalfOpen → Closed    when the single trial call succeeds
//	HalfOpen → Open      when the trial call fails
//
// While HalfOpen only one trial call is admitted at a time.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker's current state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String implements fmt.Stringer.
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

// ErrOpen is returned by Acquire when the breaker rejects a call.
var ErrOpen = errors.New("circuit breaker open")

// Breaker counts consecutive failures for one backend.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	threshold int
	cooldown  time.Duration
	openUntil time.Time
	trial     bool

	now      func() time.Time
	onChange func(State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// OnStateChange registers fn to be called (with the lock held) whenever the
// state changes. fn must not call back into the Breaker.
func OnStateChange(fn func(State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New creates a Breaker. Defaults: threshold=5, cooldown=30s.
func New(threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{
		state:     StateClosed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolve()
}

// must be called with b.mu held.
func (b *Breaker) resolve() State {
	if b.state == StateOpen && !b.now().Before(b.openUntil) {
		b.set(StateHalfOpen)
		b.trial = false
	}
	return b.state
}

func (b *Breaker) set(s State) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onChange != nil {
		b.onChange(s)
	}
}

// Acquire reports whether a call may proceed. Callers that get nil must
// report the outcome with Success or Failure.
func (b *Breaker) Acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.resolve() {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.trial {
			return ErrOpen
		}
		b.trial = true
	}
	return nil
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.trial = false
	b.set(StateClosed)
}

// Release returns an admitted call's slot without recording an outcome.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trial = false
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.open()
		}
	case StateHalfOpen:
		b.open()
	}
}

func (b *Breaker) open() {
	b.trial = false
	b.openUntil = b.now().Add(b.cooldown)
	b.set(StateOpen)
}
