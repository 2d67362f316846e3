/*
Copyright 2024 The Datum Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package policy

import (
	"sync"
	"time"
)

// State is the circuit breaker position.
type State int

const (
	// Closed lets requests through and counts consecutive failures.
	Closed State = iota
	// Open rejects requests outright.
	Open
	// HalfOpen lets probe requests through and counts consecutive successes.
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

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the
	// breaker from Closed.
	FailureThreshold int
	// SuccessThreshold is the consecutive success count that closes the
	// breaker from HalfOpen.
	SuccessThreshold int
	// Timeout is how long callers should hold the breaker Open before
	// probing with TryHalfOpen.
	Timeout time.Duration
}

// DefaultBreakerConfig opens after 5 failures, closes after 2 probe
// successes, and suggests a 60s open period.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
	}
}

// CircuitBreaker tracks the recent outcome history for one destination.
// All transitions happen under a mutex, so concurrent recording cannot
// lose updates or observe a torn state.
//
// The breaker never times out on its own: it stamps when it opened and the
// caller decides when to call TryHalfOpen.
type CircuitBreaker struct {
	config BreakerConfig

	lock      sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// NewCircuitBreaker returns a Closed breaker.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{config: config}
}

// State returns the current position.
func (b *CircuitBreaker) State() State {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.state
}

// CanAttempt reports whether a request may be sent. Closed and HalfOpen
// admit requests; Open rejects them.
func (b *CircuitBreaker) CanAttempt() bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.state != Open
}

// OpenedSince returns when the breaker last entered Open. Zero when it has
// never opened. Callers compare this against BreakerConfig.Timeout to decide
// when to probe.
func (b *CircuitBreaker) OpenedSince() time.Time {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.openedAt
}

// RecordSuccess feeds a successful outcome into the breaker. In Closed it
// clears the failure streak; in HalfOpen it advances toward Closed; in Open
// it is ignored.
func (b *CircuitBreaker) RecordSuccess() {
	b.lock.Lock()
	defer b.lock.Unlock()

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = Closed
			b.failures = 0
			b.successes = 0
		}
	case Open:
		// Outcome from a request admitted before the breaker opened.
	}
}

// RecordFailure feeds a failed outcome into the breaker. In Closed it
// advances toward Open; in HalfOpen one failure reopens immediately; in
// Open it is ignored.
func (b *CircuitBreaker) RecordFailure() {
	b.lock.Lock()
	defer b.lock.Unlock()

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.open()
		}
	case HalfOpen:
		b.open()
	case Open:
	}
}

// TryHalfOpen transitions Open to HalfOpen and reports whether it did.
// In any other state it is a no-op.
func (b *CircuitBreaker) TryHalfOpen() bool {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.state != Open {
		return false
	}
	b.state = HalfOpen
	b.successes = 0
	return true
}

// Counts returns the current failure and success streaks, for observability.
func (b *CircuitBreaker) Counts() (failures, successes int) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.failures, b.successes
}

func (b *CircuitBreaker) open() {
	b.state = Open
	b.successes = 0
	b.openedAt = time.Now()
}

// BreakerPool hands out one circuit breaker per destination key, creating
// them on first use.
type BreakerPool struct {
	config BreakerConfig

	lock     sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerPool returns an empty pool stamping new breakers with config.
func NewBreakerPool(config BreakerConfig) *BreakerPool {
	return &BreakerPool{
		config:   config,
		breakers: map[string]*CircuitBreaker{},
	}
}

// Get returns the breaker for key, creating it when absent.
func (p *BreakerPool) Get(key string) *CircuitBreaker {
	p.lock.Lock()
	defer p.lock.Unlock()

	b, ok := p.breakers[key]
	if !ok {
		b = NewCircuitBreaker(p.config)
		p.breakers[key] = b
	}
	return b
}

// Len returns the number of breakers in the pool.
func (p *BreakerPool) Len() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.breakers)
}
