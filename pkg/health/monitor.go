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

package health

import (
	"context"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/datum-net/router/pkg/logging"
	"github.com/datum-net/router/pkg/registry"
)

// Monitor periodically probes every endpoint of every registered service
// and publishes readiness transitions back into the registry. Flips are
// damped: an endpoint changes state only after a full streak of consistent
// probe results, per Config's thresholds.
//
// The registry stays last-writer-wins. When discovery replaces an endpoint
// set under the monitor, the monitor adopts the new readiness as its
// baseline and restarts its streaks.
type Monitor struct {
	config   Config
	checker  *Checker
	registry *registry.Registry

	lock   sync.Mutex
	states map[string]*endpointState
}

type endpointState struct {
	// published is the readiness the monitor believes is in the registry.
	published bool
	failures  int
	successes int
}

// NewMonitor wires a monitor to the registry it publishes into.
func NewMonitor(config Config, reg *registry.Registry) *Monitor {
	return &Monitor{
		config:   config,
		checker:  NewChecker(config),
		registry: reg,
		states:   map[string]*endpointState{},
	}
}

// Run probes all endpoints once per interval until the context is
// cancelled. It blocks; run it on its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	logger := logging.WithComponent(klog.FromContext(ctx), "health-monitor")
	ctx = klog.NewContext(ctx, logger)

	logger.V(2).Info("starting health monitor", "interval", m.config.Interval)
	wait.UntilWithContext(ctx, m.sweep, m.config.Interval)
	logger.V(2).Info("health monitor stopped")
}

// sweep probes every endpoint of every service once and publishes any
// readiness flips.
func (m *Monitor) sweep(ctx context.Context) {
	logger := klog.FromContext(ctx)
	seen := sets.NewString()

	for _, svc := range m.registry.List() {
		if len(svc.Endpoints) == 0 {
			continue
		}

		updated := make([]registry.Endpoint, 0, len(svc.Endpoints))
		changed := false
		for _, ep := range svc.Endpoints {
			key := stateKey(svc.Key(), ep.Addr())
			seen.Insert(key)

			healthy := m.checker.Check(ctx, ep)
			ep, flipped := m.observe(key, ep, healthy)
			if flipped {
				changed = true
				logging.WithEndpoint(logging.WithService(logger, svc.Namespace, svc.Name), ep.Addr()).
					Info("endpoint readiness changed", "ready", ep.Ready)
			}
			updated = append(updated, ep)
		}

		if changed {
			if err := m.registry.UpdateEndpoints(svc.Namespace, svc.Name, updated); err != nil {
				// The service was deregistered mid-sweep.
				logging.WithService(logger, svc.Namespace, svc.Name).
					Error(err, "failed to publish readiness change")
			}
		}
	}

	m.prune(seen)
}

// observe feeds one probe result into the endpoint's streaks and returns
// the endpoint carrying the readiness the monitor stands behind, plus
// whether that readiness just flipped.
func (m *Monitor) observe(key string, ep registry.Endpoint, healthy bool) (registry.Endpoint, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	st, ok := m.states[key]
	if !ok {
		st = &endpointState{published: ep.Ready}
		m.states[key] = st
	}
	if st.published != ep.Ready {
		// Discovery rewrote the endpoint under us; adopt its readiness
		// and restart the streaks.
		st.published = ep.Ready
		st.failures = 0
		st.successes = 0
	}

	if healthy {
		st.failures = 0
		if !st.published {
			st.successes++
			if st.successes >= m.config.HealthyThreshold {
				st.published = true
				st.successes = 0
				ep.Ready = true
				return ep, true
			}
		}
	} else {
		st.successes = 0
		if st.published {
			st.failures++
			if st.failures >= m.config.UnhealthyThreshold {
				st.published = false
				st.failures = 0
				ep.Ready = false
				return ep, true
			}
		}
	}

	ep.Ready = st.published
	return ep, false
}

// prune drops streak state for endpoints that no longer exist.
func (m *Monitor) prune(seen sets.String) {
	m.lock.Lock()
	defer m.lock.Unlock()

	for key := range m.states {
		if !seen.Has(key) {
			delete(m.states, key)
		}
	}
}

func stateKey(serviceKey, addr string) string {
	return serviceKey + "|" + addr
}
