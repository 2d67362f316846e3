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

package options

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/datum-net/router/pkg/health"
	"github.com/datum-net/router/pkg/loadbalance"
	"github.com/datum-net/router/pkg/mtls"
	"github.com/datum-net/router/pkg/policy"
)

// Options is the full flag surface of the gateway.
type Options struct {
	ListenAddress string
	RoutesFile    string

	TLS        TLS
	Upstream   Upstream
	Balancer   Balancer
	Policy     Policy
	Health     Health
	RateLimit  RateLimit
	Revocation Revocation
}

// TLS configures the serving side of the gateway.
type TLS struct {
	CertFile          string
	KeyFile           string
	ClientCAFile      string
	RequireClientCert bool
	MinVersion        string
	CipherSuites      []string
}

// Upstream configures TLS towards backend endpoints.
type Upstream struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
	// Pins are "namespace/service=sha256hex" entries. A service with at
	// least one pin only accepts upstream certificates matching a pin.
	Pins []string
}

// Balancer selects the endpoint distribution strategy.
type Balancer struct {
	Strategy string
}

// Policy carries the retry, timeout and circuit breaker tunables.
type Policy struct {
	MaxRetries           int
	RetryableStatusCodes []int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration

	RequestTimeout time.Duration
	ConnectTimeout time.Duration

	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration
}

// Health carries the endpoint probing tunables.
type Health struct {
	Path               string
	Interval           time.Duration
	Timeout            time.Duration
	UnhealthyThreshold int
	HealthyThreshold   int
}

// RateLimit bounds the inbound request rate. QPS zero disables limiting.
type RateLimit struct {
	QPS   float64
	Burst int
}

// Revocation enables client certificate revocation probing.
type Revocation struct {
	EnableOCSP bool
	EnableCRL  bool
	CacheSize  int
}

// NewOptions returns options preloaded with the packaged defaults.
func NewOptions() *Options {
	retry := policy.DefaultRetryPolicy()
	timeouts := policy.DefaultTimeoutPolicy()
	breaker := policy.DefaultBreakerConfig()
	probe := health.DefaultConfig()

	return &Options{
		ListenAddress: ":8080",
		Balancer: Balancer{
			Strategy: string(loadbalance.RoundRobin),
		},
		TLS: TLS{
			MinVersion: "1.2",
		},
		Policy: Policy{
			MaxRetries:              retry.MaxRetries,
			RetryableStatusCodes:    retry.RetryableStatusCodes.List(),
			InitialBackoff:          retry.InitialBackoff,
			MaxBackoff:              retry.MaxBackoff,
			RequestTimeout:          timeouts.RequestTimeout,
			ConnectTimeout:          timeouts.ConnectTimeout,
			BreakerFailureThreshold: breaker.FailureThreshold,
			BreakerSuccessThreshold: breaker.SuccessThreshold,
			BreakerTimeout:          breaker.Timeout,
		},
		Health: Health{
			Path:               probe.Path,
			Interval:           probe.Interval,
			Timeout:            probe.Timeout,
			UnhealthyThreshold: probe.UnhealthyThreshold,
			HealthyThreshold:   probe.HealthyThreshold,
		},
		RateLimit: RateLimit{
			QPS:   0,
			Burst: 1,
		},
		Revocation: Revocation{
			CacheSize: mtls.DefaultRevocationConfig().CacheSize,
		},
	}
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.ListenAddress, "listen-address", o.ListenAddress, "Address and port for the gateway to listen on.")
	fs.StringVar(&o.RoutesFile, "routes-file", o.RoutesFile, "YAML file declaring the route table and optional static services.")

	fs.StringVar(&o.TLS.CertFile, "tls-cert-file", o.TLS.CertFile, "PEM file with the gateway's serving certificate. Empty disables TLS.")
	fs.StringVar(&o.TLS.KeyFile, "tls-key-file", o.TLS.KeyFile, "PEM file with the gateway's serving private key.")
	fs.StringVar(&o.TLS.ClientCAFile, "client-ca-file", o.TLS.ClientCAFile, "PEM bundle of CAs trusted for client certificates.")
	fs.BoolVar(&o.TLS.RequireClientCert, "require-client-cert", o.TLS.RequireClientCert, "Reject connections without a valid client certificate.")
	fs.StringVar(&o.TLS.MinVersion, "tls-min-version", o.TLS.MinVersion, "Minimum TLS version: one of 1.0, 1.1, 1.2, 1.3.")
	fs.StringSliceVar(&o.TLS.CipherSuites, "tls-cipher-suites", o.TLS.CipherSuites, "Allowed cipher suites by name. Empty uses the library defaults.")

	fs.StringVar(&o.Upstream.CAFile, "upstream-ca-file", o.Upstream.CAFile, "PEM bundle of CAs trusted for backend certificates. Enables HTTPS forwarding.")
	fs.StringVar(&o.Upstream.CertFile, "upstream-cert-file", o.Upstream.CertFile, "PEM file with the client certificate presented to backends.")
	fs.StringVar(&o.Upstream.KeyFile, "upstream-key-file", o.Upstream.KeyFile, "PEM file with the client key presented to backends.")
	fs.StringVar(&o.Upstream.ServerName, "upstream-server-name", o.Upstream.ServerName, "Server name for backend certificate verification. Empty uses the endpoint address.")
	fs.BoolVar(&o.Upstream.InsecureSkipVerify, "upstream-insecure-skip-verify", o.Upstream.InsecureSkipVerify, "Skip verification of backend certificates. For development only.")
	fs.StringArrayVar(&o.Upstream.Pins, "pin-upstream-certificate", o.Upstream.Pins, "Pin a backend certificate as namespace/service=sha256hex. Repeatable.")

	fs.StringVar(&o.Balancer.Strategy, "load-balancer", o.Balancer.Strategy, fmt.Sprintf("Endpoint selection strategy: one of %s.", strategyNames()))

	fs.IntVar(&o.Policy.MaxRetries, "max-retries", o.Policy.MaxRetries, "Retries after the initial forwarding attempt.")
	fs.IntSliceVar(&o.Policy.RetryableStatusCodes, "retryable-status-codes", o.Policy.RetryableStatusCodes, "Upstream status codes that trigger a retry.")
	fs.DurationVar(&o.Policy.InitialBackoff, "retry-initial-backoff", o.Policy.InitialBackoff, "Delay before the first retry. Doubles per attempt.")
	fs.DurationVar(&o.Policy.MaxBackoff, "retry-max-backoff", o.Policy.MaxBackoff, "Upper bound on the retry backoff.")
	fs.DurationVar(&o.Policy.RequestTimeout, "request-timeout", o.Policy.RequestTimeout, "End-to-end timeout for one forwarded exchange.")
	fs.DurationVar(&o.Policy.ConnectTimeout, "connect-timeout", o.Policy.ConnectTimeout, "Timeout for establishing a backend connection.")
	fs.IntVar(&o.Policy.BreakerFailureThreshold, "breaker-failure-threshold", o.Policy.BreakerFailureThreshold, "Consecutive failures that open a service's circuit breaker.")
	fs.IntVar(&o.Policy.BreakerSuccessThreshold, "breaker-success-threshold", o.Policy.BreakerSuccessThreshold, "Successes in half-open state that close the breaker again.")
	fs.DurationVar(&o.Policy.BreakerTimeout, "breaker-timeout", o.Policy.BreakerTimeout, "Open time before a breaker admits a half-open trial request.")

	fs.StringVar(&o.Health.Path, "health-check-path", o.Health.Path, "Path probed on backend endpoints.")
	fs.DurationVar(&o.Health.Interval, "health-check-interval", o.Health.Interval, "Time between probe sweeps.")
	fs.DurationVar(&o.Health.Timeout, "health-check-timeout", o.Health.Timeout, "Timeout for a single probe.")
	fs.IntVar(&o.Health.UnhealthyThreshold, "unhealthy-threshold", o.Health.UnhealthyThreshold, "Consecutive probe failures before an endpoint is marked not ready.")
	fs.IntVar(&o.Health.HealthyThreshold, "healthy-threshold", o.Health.HealthyThreshold, "Consecutive probe successes before an endpoint is marked ready.")

	fs.Float64Var(&o.RateLimit.QPS, "rate-limit-qps", o.RateLimit.QPS, "Sustained requests per second admitted. Zero disables rate limiting.")
	fs.IntVar(&o.RateLimit.Burst, "rate-limit-burst", o.RateLimit.Burst, "Burst size admitted above the sustained rate.")

	fs.BoolVar(&o.Revocation.EnableOCSP, "enable-ocsp-check", o.Revocation.EnableOCSP, "Probe OCSP responders for client certificate revocation.")
	fs.BoolVar(&o.Revocation.EnableCRL, "enable-crl-check", o.Revocation.EnableCRL, "Fetch CRL distribution points for client certificate revocation.")
	fs.IntVar(&o.Revocation.CacheSize, "revocation-cache-size", o.Revocation.CacheSize, "Entries kept in the revocation result cache.")
}

func (o *Options) Complete() error {
	if o.RateLimit.QPS > 0 && o.RateLimit.Burst < 1 {
		o.RateLimit.Burst = 1
	}
	return nil
}

func (o *Options) Validate() []error {
	var errs []error

	if o.RoutesFile == "" {
		errs = append(errs, fmt.Errorf("--routes-file is required"))
	}
	if _, _, err := net.SplitHostPort(o.ListenAddress); err != nil {
		errs = append(errs, fmt.Errorf("--listen-address %q: %w", o.ListenAddress, err))
	}

	errs = append(errs, o.validateTLS()...)
	errs = append(errs, o.validateUpstream()...)

	if _, err := loadbalance.ParseStrategy(o.Balancer.Strategy); err != nil {
		errs = append(errs, fmt.Errorf("--load-balancer: %w", err))
	}

	errs = append(errs, o.validatePolicy()...)

	probe := health.Config{
		Path:               o.Health.Path,
		Interval:           o.Health.Interval,
		Timeout:            o.Health.Timeout,
		UnhealthyThreshold: o.Health.UnhealthyThreshold,
		HealthyThreshold:   o.Health.HealthyThreshold,
	}
	if err := probe.Validate(); err != nil {
		errs = append(errs, err)
	}

	if o.RateLimit.QPS < 0 {
		errs = append(errs, fmt.Errorf("--rate-limit-qps must not be negative"))
	}
	if o.Revocation.CacheSize < 1 {
		errs = append(errs, fmt.Errorf("--revocation-cache-size must be at least 1"))
	}

	return errs
}

func (o *Options) validateTLS() []error {
	var errs []error

	if (o.TLS.CertFile == "") != (o.TLS.KeyFile == "") {
		errs = append(errs, fmt.Errorf("--tls-cert-file and --tls-key-file must be set together"))
	}
	if o.TLS.ClientCAFile != "" && o.TLS.CertFile == "" {
		errs = append(errs, fmt.Errorf("--client-ca-file requires --tls-cert-file and --tls-key-file"))
	}
	if o.TLS.RequireClientCert && o.TLS.ClientCAFile == "" {
		errs = append(errs, fmt.Errorf("--require-client-cert requires --client-ca-file"))
	}
	if o.TLS.MinVersion != "" {
		if _, err := mtls.ParseTLSVersion(o.TLS.MinVersion); err != nil {
			errs = append(errs, fmt.Errorf("--tls-min-version: %w", err))
		}
	}
	if _, err := mtls.ParseCipherSuites(o.TLS.CipherSuites); err != nil {
		errs = append(errs, fmt.Errorf("--tls-cipher-suites: %w", err))
	}

	return errs
}

func (o *Options) validateUpstream() []error {
	var errs []error

	if (o.Upstream.CertFile == "") != (o.Upstream.KeyFile == "") {
		errs = append(errs, fmt.Errorf("--upstream-cert-file and --upstream-key-file must be set together"))
	}
	for _, pin := range o.Upstream.Pins {
		serviceKey, fingerprint, ok := strings.Cut(pin, "=")
		if !ok || serviceKey == "" || fingerprint == "" {
			errs = append(errs, fmt.Errorf("--pin-upstream-certificate %q: want namespace/service=sha256hex", pin))
			continue
		}
		if !strings.Contains(serviceKey, "/") {
			errs = append(errs, fmt.Errorf("--pin-upstream-certificate %q: service must be namespace/name", pin))
		}
	}

	return errs
}

func (o *Options) validatePolicy() []error {
	var errs []error

	if o.Policy.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("--max-retries must not be negative"))
	}
	if o.Policy.InitialBackoff <= 0 {
		errs = append(errs, fmt.Errorf("--retry-initial-backoff must be positive"))
	}
	if o.Policy.MaxBackoff < o.Policy.InitialBackoff {
		errs = append(errs, fmt.Errorf("--retry-max-backoff must be at least --retry-initial-backoff"))
	}
	if o.Policy.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("--request-timeout must be positive"))
	}
	if o.Policy.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("--connect-timeout must be positive"))
	}
	if o.Policy.BreakerFailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("--breaker-failure-threshold must be at least 1"))
	}
	if o.Policy.BreakerSuccessThreshold < 1 {
		errs = append(errs, fmt.Errorf("--breaker-success-threshold must be at least 1"))
	}
	if o.Policy.BreakerTimeout <= 0 {
		errs = append(errs, fmt.Errorf("--breaker-timeout must be positive"))
	}

	return errs
}

func strategyNames() string {
	names := make([]string, 0, len(loadbalance.Strategies()))
	for _, s := range loadbalance.Strategies() {
		names = append(names, string(s))
	}
	return strings.Join(names, ", ")
}
