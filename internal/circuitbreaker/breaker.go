// Package circuitbreaker trips per gateway operation after consecutive
// transient failures so a degraded gateway is not hammered with retries.
//
// States move closed -> open -> half_open -> closed. While open, calls are
// rejected locally with ErrOpen; after the cool-down exactly one probe is let
// through and its outcome decides whether the circuit closes again.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute when the circuit for a key is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State is a circuit state.
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
	Namespace: "rift",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit state transitions by operation key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// Breaker keeps one circuit per key (for example "create_transfer").
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	coolDown  time.Duration
	now       func() time.Time
}

// New returns a breaker that opens after threshold consecutive failures and
// probes again after coolDown. Non-positive arguments fall back to 5 and 30s.
func New(threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
	}
}

func (b *Breaker) get(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	return c
}

// Allow reports whether a call for key may proceed. An open circuit whose
// cool-down has elapsed moves to half_open and admits a single probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(key)
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

// RecordSuccess resets the failure streak and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(key)
	c.failures = 0
	c.probing = false
	if c.state != StateClosed {
		b.setState(key, c, StateClosed)
	}
}

// RecordFailure extends the failure streak. A failed probe reopens at once.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(key)
	c.failures++
	c.probing = false
	switch {
	case c.state == StateHalfOpen:
		c.openedAt = b.now()
		b.setState(key, c, StateOpen)
	case c.state == StateClosed && c.failures >= b.threshold:
		c.openedAt = b.now()
		b.setState(key, c, StateOpen)
	}
}

// State returns the circuit state for key (closed for unseen keys).
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Execute runs fn under the circuit for key. isFailure decides which errors
// count against the circuit; errors it rejects (for example a declined
// transfer) prove the remote side is healthy and count as success.
func (b *Breaker) Execute(key string, fn func() error, isFailure func(error) bool) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	if err != nil && isFailure(err) {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return err
}

func (b *Breaker) setState(key string, c *circuit, to State) {
	if c.state == to {
		return
	}
	transitionsTotal.WithLabelValues(key, c.state.String(), to.String()).Inc()
	c.state = to
}
