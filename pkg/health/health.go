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

// Package health probes backend endpoints and publishes readiness
// transitions into the service registry. A single probe is a point-in-time
// connectivity check; the hysteresis that keeps one blip from flapping an
// endpoint lives in the Monitor.
package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/datum-net/router/pkg/registry"
)

// Config tunes probing and the readiness hysteresis.
type Config struct {
	// Path is the health endpoint probed on HTTP-level checks.
	Path string
	// Interval is the time between probe sweeps.
	Interval time.Duration
	// Timeout bounds a single probe.
	Timeout time.Duration
	// UnhealthyThreshold is the consecutive failure count that marks a
	// ready endpoint not ready.
	UnhealthyThreshold int
	// HealthyThreshold is the consecutive success count that marks a not
	// ready endpoint ready.
	HealthyThreshold int
}

// DefaultConfig probes /healthz every 10s with a 5s timeout, flipping
// unhealthy after 3 failures and healthy after 2 successes.
func DefaultConfig() Config {
	return Config{
		Path:               "/healthz",
		Interval:           10 * time.Second,
		Timeout:            5 * time.Second,
		UnhealthyThreshold: 3,
		HealthyThreshold:   2,
	}
}

// Validate rejects configurations that would disable the hysteresis.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("health check interval must be positive, got %s", c.Interval)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("health check timeout must be positive, got %s", c.Timeout)
	}
	if c.UnhealthyThreshold < 1 {
		return fmt.Errorf("unhealthy threshold must be at least 1, got %d", c.UnhealthyThreshold)
	}
	if c.HealthyThreshold < 1 {
		return fmt.Errorf("healthy threshold must be at least 1, got %d", c.HealthyThreshold)
	}
	return nil
}

// Checker performs stateless endpoint probes.
type Checker struct {
	config Config
	dialer *net.Dialer
}

// NewChecker returns a checker probing with config's timeout.
func NewChecker(config Config) *Checker {
	return &Checker{
		config: config,
		dialer: &net.Dialer{},
	}
}

// Check reports whether the endpoint currently accepts connections. A
// connect error or timeout is unhealthy; the check carries no memory of
// previous results.
func (c *Checker) Check(ctx context.Context, ep registry.Endpoint) bool {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", ep.Addr())
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
