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

package gateway

import (
	"crypto/tls"
	"fmt"
	"os"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"

	gatewayoptions "github.com/datum-net/router/pkg/gateway/options"
	"github.com/datum-net/router/pkg/health"
	"github.com/datum-net/router/pkg/loadbalance"
	"github.com/datum-net/router/pkg/metrics"
	"github.com/datum-net/router/pkg/middleware"
	"github.com/datum-net/router/pkg/mtls"
	"github.com/datum-net/router/pkg/policy"
	"github.com/datum-net/router/pkg/proxy"
	"github.com/datum-net/router/pkg/registry"
	"github.com/datum-net/router/pkg/tracing"
)

type Config struct {
	Options *gatewayoptions.Options

	ExtraConfig
}

// ExtraConfig holds the state derived from options: parsed files, built
// TLS configs, and the data-plane collaborators.
type ExtraConfig struct {
	Routes []Route

	Registry  *registry.Registry
	Balancer  *loadbalance.LoadBalancer
	Policy    policy.Policy
	Breakers  *policy.BreakerPool
	Monitor   *health.Monitor
	Metrics   *metrics.Collector
	Chain     *middleware.Chain
	Forwarder *proxy.Forwarder

	Pinner     *mtls.Pinner
	Revocation *mtls.RevocationChecker

	ServerTLS *tls.Config
	// UpstreamScheme is https exactly when an upstream TLS client
	// configuration was built.
	UpstreamScheme string
}

type completedConfig struct {
	Options *gatewayoptions.Options

	ExtraConfig
}

type CompletedConfig struct {
	// embed a private pointer that cannot be instantiated outside this package.
	*completedConfig
}

// Complete fills in any fields not set that are required to have valid data.
func (c *Config) Complete() (CompletedConfig, error) {
	return CompletedConfig{&completedConfig{
		Options:     c.Options,
		ExtraConfig: c.ExtraConfig,
	}}, nil
}

// NewConfig resolves options into a runnable gateway configuration: the
// routes file is loaded and statically declared services registered, TLS
// material read and built, and every data-plane collaborator constructed.
func NewConfig(opts *gatewayoptions.Options) (*Config, error) {
	c := &Config{Options: opts}

	file, err := LoadRoutesFile(opts.RoutesFile)
	if err != nil {
		return nil, err
	}
	c.Routes = file.Routes

	c.Registry = registry.New()
	for _, svc := range file.Services {
		c.Registry.Register(svc)
	}

	if opts.TLS.CertFile != "" {
		c.ServerTLS, err = buildServerTLS(opts.TLS)
		if err != nil {
			return nil, fmt.Errorf("building serving TLS config: %w", err)
		}
	}

	c.UpstreamScheme = "http"
	var upstreamTLS *tls.Config
	if opts.Upstream.CAFile != "" || opts.Upstream.CertFile != "" || opts.Upstream.InsecureSkipVerify {
		upstreamTLS, err = buildUpstreamTLS(opts.Upstream)
		if err != nil {
			return nil, fmt.Errorf("building upstream TLS config: %w", err)
		}
		c.UpstreamScheme = "https"
	}

	strategy, err := loadbalance.ParseStrategy(opts.Balancer.Strategy)
	if err != nil {
		return nil, err
	}
	c.Balancer = loadbalance.New(strategy)

	c.Policy = policy.Policy{
		Retry: policy.RetryPolicy{
			MaxRetries:           opts.Policy.MaxRetries,
			RetryableStatusCodes: sets.NewInt(opts.Policy.RetryableStatusCodes...),
			InitialBackoff:       opts.Policy.InitialBackoff,
			MaxBackoff:           opts.Policy.MaxBackoff,
		},
		Timeout: policy.TimeoutPolicy{
			RequestTimeout: opts.Policy.RequestTimeout,
			ConnectTimeout: opts.Policy.ConnectTimeout,
		},
		Breaker: policy.BreakerConfig{
			FailureThreshold: opts.Policy.BreakerFailureThreshold,
			SuccessThreshold: opts.Policy.BreakerSuccessThreshold,
			Timeout:          opts.Policy.BreakerTimeout,
		},
	}
	c.Breakers = policy.NewBreakerPool(c.Policy.Breaker)

	probe := health.Config{
		Path:               opts.Health.Path,
		Interval:           opts.Health.Interval,
		Timeout:            opts.Health.Timeout,
		UnhealthyThreshold: opts.Health.UnhealthyThreshold,
		HealthyThreshold:   opts.Health.HealthyThreshold,
	}
	if err := probe.Validate(); err != nil {
		return nil, err
	}
	c.Monitor = health.NewMonitor(probe, c.Registry)

	c.Metrics, err = metrics.NewCollector()
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	// Request id and tracing run first so the logging middleware sees
	// their metadata.
	chain := middleware.NewChain(
		middleware.NewRequestID(),
		tracing.NewMiddleware(),
		middleware.NewLogging(),
	)
	if opts.RateLimit.QPS > 0 {
		chain.Use(middleware.NewRateLimit(opts.RateLimit.QPS, opts.RateLimit.Burst))
	}
	chain.Use(metrics.Middleware(c.Metrics))
	c.Chain = chain

	c.Forwarder = proxy.NewForwarder(c.Policy.Timeout, upstreamTLS)

	c.Pinner = mtls.NewPinner()
	for _, pin := range opts.Upstream.Pins {
		serviceKey, fingerprint, ok := strings.Cut(pin, "=")
		if !ok {
			return nil, fmt.Errorf("invalid certificate pin %q: want namespace/service=sha256hex", pin)
		}
		c.Pinner.AddPin(serviceKey, fingerprint)
	}

	if opts.Revocation.EnableOCSP || opts.Revocation.EnableCRL {
		c.Revocation = mtls.NewRevocationChecker(mtls.RevocationConfig{
			EnableOCSP: opts.Revocation.EnableOCSP,
			EnableCRL:  opts.Revocation.EnableCRL,
			CacheSize:  opts.Revocation.CacheSize,
		})
	}

	return c, nil
}

func buildServerTLS(o gatewayoptions.TLS) (*tls.Config, error) {
	certPEM, err := os.ReadFile(o.CertFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file %q: %w", o.CertFile, err)
	}
	keyPEM, err := os.ReadFile(o.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file %q: %w", o.KeyFile, err)
	}

	cfg := mtls.ServerConfig{
		CertPEM:           certPEM,
		KeyPEM:            keyPEM,
		RequireClientCert: o.RequireClientCert,
		MinVersion:        o.MinVersion,
		CipherSuites:      o.CipherSuites,
	}
	if o.ClientCAFile != "" {
		cfg.ClientCAPEM, err = os.ReadFile(o.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA file %q: %w", o.ClientCAFile, err)
		}
	}
	return cfg.Build()
}

func buildUpstreamTLS(o gatewayoptions.Upstream) (*tls.Config, error) {
	cfg := mtls.ClientConfig{
		ServerName:         o.ServerName,
		InsecureSkipVerify: o.InsecureSkipVerify,
	}

	var err error
	if o.CAFile != "" {
		cfg.ServerCAPEM, err = os.ReadFile(o.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read upstream CA file %q: %w", o.CAFile, err)
		}
	}
	if o.CertFile != "" {
		cfg.CertPEM, err = os.ReadFile(o.CertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read upstream certificate file %q: %w", o.CertFile, err)
		}
	}
	if o.KeyFile != "" {
		cfg.KeyPEM, err = os.ReadFile(o.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read upstream key file %q: %w", o.KeyFile, err)
		}
	}
	return cfg.Build()
}
