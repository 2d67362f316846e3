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

// Package loadbalance selects a backend endpoint for a request. Selection
// only ever considers ready endpoints; the absence of a candidate is
// reported as nil, never as an error.
package loadbalance

import (
	"fmt"
	"hash/fnv"
	"sync/atomic"

	"github.com/datum-net/router/pkg/registry"
)

// Strategy names a load balancing algorithm.
type Strategy string

const (
	// RoundRobin distributes requests evenly across ready endpoints.
	RoundRobin Strategy = "round-robin"
	// LeastConnections is a first-ready approximation: no connection
	// counts are kept, so it degrades to picking the first ready endpoint.
	LeastConnections Strategy = "least-connections"
	// SourceIPHash pins a client ip to an endpoint for session affinity.
	SourceIPHash Strategy = "source-ip-hash"
	// ConsistentHash pins an arbitrary request key to an endpoint.
	ConsistentHash Strategy = "consistent-hash"
)

// Strategies lists all valid strategy names, for flag help text.
func Strategies() []Strategy {
	return []Strategy{RoundRobin, LeastConnections, SourceIPHash, ConsistentHash}
}

// ParseStrategy validates a strategy name from configuration.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case RoundRobin, LeastConnections, SourceIPHash, ConsistentHash:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown load balancing strategy %q", s)
}

// LoadBalancer picks endpoints according to its strategy. It is safe for
// concurrent use; the only mutable state is the round robin counter.
type LoadBalancer struct {
	strategy Strategy
	counter  atomic.Uint64
}

// New returns a balancer for the given strategy.
func New(strategy Strategy) *LoadBalancer {
	return &LoadBalancer{strategy: strategy}
}

// Strategy returns the configured strategy.
func (lb *LoadBalancer) Strategy() Strategy {
	return lb.strategy
}

// Select picks a ready endpoint, or nil when none is ready. Hash strategies
// need a key and fall back to the first ready endpoint here; callers with a
// key use SelectByKey.
func (lb *LoadBalancer) Select(endpoints []registry.Endpoint) *registry.Endpoint {
	ready := readyEndpoints(endpoints)
	if len(ready) == 0 {
		return nil
	}

	switch lb.strategy {
	case RoundRobin:
		idx := (lb.counter.Add(1) - 1) % uint64(len(ready))
		return &ready[idx]
	default:
		// LeastConnections and keyless hash selection.
		return &ready[0]
	}
}

// SelectByKey picks a ready endpoint by 64-bit FNV-1a hash of key modulo the
// ready count. The same key always maps to the same endpoint while the ready
// set is unchanged. Returns nil when none is ready.
func (lb *LoadBalancer) SelectByKey(endpoints []registry.Endpoint, key string) *registry.Endpoint {
	ready := readyEndpoints(endpoints)
	if len(ready) == 0 {
		return nil
	}

	h := fnv.New64a()
	// fnv hashers never fail to write.
	_, _ = h.Write([]byte(key))
	idx := h.Sum64() % uint64(len(ready))
	return &ready[idx]
}

func readyEndpoints(endpoints []registry.Endpoint) []registry.Endpoint {
	ready := make([]registry.Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep.Ready {
			ready = append(ready, ep)
		}
	}
	return ready
}
