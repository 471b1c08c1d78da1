// Package circuitbreaker guards calls to a flaky dependency. Each key
// moves closed -> open after consecutive failures, then half-open after a
// cool-down where a single probe decides whether it closes again.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute when the circuit for a key is not
// accepting calls.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State of a single key.
type State int

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

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sentinel",
	Subsystem: "circuitbreaker",
	Name:      "transitions_total",
	Help:      "Circuit state changes by key and target state.",
}, []string{"key", "to"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// Breaker tracks circuits per key. The zero value is not usable; use New.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	coolDown  time.Duration
	now       func() time.Time

	onChange func(key string, from, to State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a callback run synchronously on every
// transition. It must not call back into the breaker.
func WithStateChange(fn func(key string, from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New returns a breaker that opens after threshold consecutive failures
// and stays open for coolDown before allowing a probe.
func New(threshold int, coolDown time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	b := &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call for key may proceed. In half-open state
// only the first caller is let through.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}

	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.coolDown {
			return false
		}
		b.setState(key, c, StateHalfOpen)
		c.probing = true
		return true
	case StateHalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	default:
		return true
	}
}

// Success records a successful call and closes the circuit.
func (b *Breaker) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.failures = 0
	c.probing = false
	b.setState(key, c, StateClosed)
}

// Failure records a failed call. A failed probe reopens immediately.
func (b *Breaker) Failure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++
	c.probing = false

	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		b.setState(key, c, StateOpen)
	}
}

// State returns the current state for key.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Execute runs fn if the circuit for key allows it and records the
// outcome. Errors for which countable returns false (for example a caller
// cancellation) are passed through without counting as failures.
func (b *Breaker) Execute(ctx context.Context, key string, countable func(error) bool, fn func(context.Context) error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.Success(key)
	case countable == nil || countable(err):
		b.Failure(key)
	default:
		// Uncounted outcome; release a held probe slot.
		b.mu.Lock()
		if c, ok := b.circuits[key]; ok {
			c.probing = false
		}
		b.mu.Unlock()
	}
	return err
}

// setState must be called with b.mu held.
func (b *Breaker) setState(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitionsTotal.WithLabelValues(key, to.String()).Inc()
	if b.onChange != nil {
		b.onChange(key, from, to)
	}
}
