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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Minute,
	}
}

func TestBreakerStartsClosed(t *testing.T) {
	b := NewCircuitBreaker(testBreakerConfig())
	require.Equal(t, Closed, b.State())
	require.True(t, b.CanAttempt())
	require.True(t, b.OpenedSince().IsZero())
}

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	b := NewCircuitBreaker(testBreakerConfig())

	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, Closed, b.State())
	require.True(t, b.CanAttempt())

	b.RecordFailure()
	require.Equal(t, Open, b.State())
	require.False(t, b.CanAttempt())
	require.False(t, b.OpenedSince().IsZero())
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := NewCircuitBreaker(testBreakerConfig())

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, Closed, b.State(), "threshold counts consecutive failures only")

	b.RecordFailure()
	require.Equal(t, Open, b.State())
}

func TestBreakerOpenIgnoresOutcomes(t *testing.T) {
	b := NewCircuitBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, Open, b.State())
	openedAt := b.OpenedSince()

	b.RecordSuccess()
	b.RecordFailure()
	b.RecordSuccess()
	require.Equal(t, Open, b.State())
	require.Equal(t, openedAt, b.OpenedSince())
}

func TestBreakerTryHalfOpen(t *testing.T) {
	b := NewCircuitBreaker(testBreakerConfig())

	require.False(t, b.TryHalfOpen(), "closed breaker must not transition")
	require.Equal(t, Closed, b.State())

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.True(t, b.TryHalfOpen())
	require.Equal(t, HalfOpen, b.State())
	require.True(t, b.CanAttempt())

	require.False(t, b.TryHalfOpen(), "half-open breaker must not transition again")
	require.Equal(t, HalfOpen, b.State())
}

func TestBreakerHalfOpenClosesAfterSuccessStreak(t *testing.T) {
	b := NewCircuitBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	b.TryHalfOpen()

	b.RecordSuccess()
	require.Equal(t, HalfOpen, b.State())

	b.RecordSuccess()
	require.Equal(t, Closed, b.State())
	require.True(t, b.CanAttempt())

	failures, successes := b.Counts()
	require.Zero(t, failures)
	require.Zero(t, successes)
}

func TestBreakerHalfOpenReopensOnFailure(t *testing.T) {
	b := NewCircuitBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	firstOpen := b.OpenedSince()
	b.TryHalfOpen()

	b.RecordSuccess()
	b.RecordFailure()
	require.Equal(t, Open, b.State())
	require.False(t, b.CanAttempt())
	require.False(t, b.OpenedSince().Before(firstOpen), "reopening must restamp the open time")
}

func TestBreakerStateString(t *testing.T) {
	require.Equal(t, "closed", Closed.String())
	require.Equal(t, "open", Open.String())
	require.Equal(t, "half-open", HalfOpen.String())
	require.Equal(t, "unknown", State(42).String())
}

func TestBreakerConcurrentRecording(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 50, SuccessThreshold: 2, Timeout: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				b.RecordFailure()
			}
		}()
	}
	wg.Wait()

	// 50 failures recorded by 10 writers with no interleaved success must
	// open the breaker exactly at the threshold, with none lost.
	require.Equal(t, Open, b.State())
}

func TestBreakerPool(t *testing.T) {
	pool := NewBreakerPool(testBreakerConfig())

	a := pool.Get("default/backend")
	b := pool.Get("default/backend")
	require.Same(t, a, b, "one breaker per destination key")

	c := pool.Get("prod/backend")
	require.NotSame(t, a, c)
	require.Equal(t, 2, pool.Len())

	a.RecordFailure()
	a.RecordFailure()
	a.RecordFailure()
	require.Equal(t, Open, pool.Get("default/backend").State())
	require.Equal(t, Closed, pool.Get("prod/backend").State())
}
