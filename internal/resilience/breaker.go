// Package resilience provides reliability patterns for upstream service calls.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker position, exposed for health reporting.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Breaker is a three-state circuit breaker. Consecutive failures open the
// circuit; after the cool-off it half-opens and lets probes through, and it
// closes again only after recoverHits consecutive probe successes. Any
// half-open failure reopens it.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	maxFailures int
	recoverHits int
	cooloff     time.Duration
	openedAt    time.Time
	now         func() time.Time // swapped in tests
}

// NewBreaker creates a breaker that opens after maxFailures consecutive
// failures and stays open for the cool-off before probing.
func NewBreaker(maxFailures int, cooloff time.Duration) *Breaker {
	return &Breaker{
		state:       StateClosed,
		maxFailures: maxFailures,
		recoverHits: 2,
		cooloff:     cooloff,
		now:         time.Now,
	}
}

// Execute runs fn unless the circuit is open, in which case it returns
// ErrCircuitOpen without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	if !b.allow() {
		return ErrCircuitOpen
	}

	err := fn()
	b.record(err)
	return err
}

// State returns the current breaker position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cooloff {
			return false
		}
		b.state = StateHalfOpen
		b.successes = 0
	}
	return true
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.maxFailures {
			b.state = StateOpen
			b.openedAt = b.now()
			b.successes = 0
		}
		return
	}

	b.failures = 0
	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.recoverHits {
			b.state = StateClosed
		}
	case StateOpen:
		// A call raced the transition; leave the cool-off clock alone.
	default:
		b.state = StateClosed
	}
}
