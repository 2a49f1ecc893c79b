package module

import (
	"fmt"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitState is a point-in-time copy of a breaker.
type CircuitState struct {
	State       State
	Failures    int
	LastFailure time.Time
	OpenUntil   time.Time
}

// Breaker tracks consecutive failures for one remote endpoint. All methods
// are safe for concurrent use; the worker and the health probe share it.
type Breaker struct {
	threshold int
	recovery  time.Duration
	now       func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	openUntil     time.Time
	trialInFlight bool
}

// NewBreaker returns a closed breaker. threshold is clamped to at least 1
// and recovery to at least one second.
func NewBreaker(threshold int, recovery time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	if recovery < time.Second {
		recovery = time.Second
	}
	return &Breaker{threshold: threshold, recovery: recovery, now: time.Now}
}

// Allow reports whether a call may proceed. An open circuit past its
// deadline moves to half_open and admits exactly one trial; every other
// caller is rejected until that trial resolves.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		now := b.now()
		if now.Before(b.openUntil) {
			return fmt.Errorf("circuit open until %s", b.openUntil.Format(time.RFC3339))
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		return nil
	default:
		if b.trialInFlight {
			return fmt.Errorf("circuit half-open, trial in flight")
		}
		b.trialInFlight = true
		return nil
	}
}

// RecordSuccess closes the circuit and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.trialInFlight = false
}

// RecordFailure counts one failed call. A failure during the half-open trial
// reopens the circuit at once; the count keeps growing until a success.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.lastFailure = now
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.trip(now)
	}
}

// Release gives back a half-open trial slot without judging the backend,
// used when the caller itself cancelled.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialInFlight = false
}

// ForceOpen opens a closed or half-open circuit, used by the health probe.
// An already open circuit keeps its deadline.
func (b *Breaker) ForceOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		return false
	}
	now := b.now()
	b.lastFailure = now
	b.trip(now)
	return true
}

// trip must be called with mu held.
func (b *Breaker) trip(now time.Time) {
	b.state = StateOpen
	b.openUntil = now.Add(b.recovery)
	b.trialInFlight = false
}

// Snapshot returns the current state.
func (b *Breaker) Snapshot() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return CircuitState{State: b.state, Failures: b.failures, LastFailure: b.lastFailure, OpenUntil: b.openUntil}
}
