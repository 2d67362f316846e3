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

package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// ClientConfig describes the TLS material the router presents when
// connecting to upstream backends.
type ClientConfig struct {
	// CertPEM and KeyPEM are the optional client certificate pair for
	// mutual TLS toward upstreams. Both or neither must be set.
	CertPEM []byte
	KeyPEM  []byte
	// ServerCAPEM, when set, replaces the system roots for verifying
	// upstream certificates.
	ServerCAPEM []byte
	// ServerName overrides the name verified against upstream
	// certificates. Empty uses the dialed host.
	ServerName string
	// InsecureSkipVerify disables upstream verification entirely.
	InsecureSkipVerify bool
}

// Build validates the material and assembles the upstream tls.Config.
func (c ClientConfig) Build() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}

	switch {
	case len(c.CertPEM) > 0 && len(c.KeyPEM) > 0:
		if !hasPEMBlock(c.CertPEM, pemTypeCertificate) {
			return nil, ErrNoCertificates
		}
		if !hasPrivateKeyBlock(c.KeyPEM) {
			return nil, ErrNoPrivateKey
		}
		cert, err := tls.X509KeyPair(c.CertPEM, c.KeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parsing client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	case len(c.CertPEM) > 0 || len(c.KeyPEM) > 0:
		return nil, fmt.Errorf("client certificate and key must be provided together")
	}

	if len(c.ServerCAPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(c.ServerCAPEM) {
			return nil, fmt.Errorf("no usable certificates in upstream CA bundle")
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}
