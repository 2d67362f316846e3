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

// Package policy holds the traffic policies the gateway applies around
// forwarding: retries with exponential backoff, request timeouts, and a
// circuit breaker per destination. The policies themselves are passive
// descriptions; the gateway drives them.
package policy

import (
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

// RetryPolicy bounds how often and how fast a request is retried.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// RetryableStatusCodes are the upstream statuses worth retrying.
	RetryableStatusCodes sets.Int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration
}

// DefaultRetryPolicy retries gateway-class upstream failures three times.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:           3,
		RetryableStatusCodes: sets.NewInt(502, 503, 504),
		InitialBackoff:       100 * time.Millisecond,
		MaxBackoff:           10 * time.Second,
	}
}

// IsRetryable reports whether a response status should be retried.
func (p RetryPolicy) IsRetryable(status int) bool {
	return p.RetryableStatusCodes.Has(status)
}

// Backoff returns the delay before the given retry attempt, doubling from
// InitialBackoff and capped at MaxBackoff. Attempt 0 is the first retry.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := p.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff *= 2
		// Cap reached, or the doubling overflowed.
		if backoff >= p.MaxBackoff || backoff <= 0 {
			return p.MaxBackoff
		}
	}
	if backoff > p.MaxBackoff {
		return p.MaxBackoff
	}
	return backoff
}

// TimeoutPolicy bounds how long forwarding may take.
type TimeoutPolicy struct {
	// RequestTimeout covers one full proxied exchange.
	RequestTimeout time.Duration
	// ConnectTimeout covers dialing the backend.
	ConnectTimeout time.Duration
}

// DefaultTimeoutPolicy allows 30s per exchange and 10s to connect.
func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		RequestTimeout: 30 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// Policy bundles the traffic policies applied to a destination.
type Policy struct {
	Retry   RetryPolicy
	Timeout TimeoutPolicy
	Breaker BreakerConfig
}

// Default returns the stock policy bundle.
func Default() Policy {
	return Policy{
		Retry:   DefaultRetryPolicy(),
		Timeout: DefaultTimeoutPolicy(),
		Breaker: DefaultBreakerConfig(),
	}
}
