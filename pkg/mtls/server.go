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

// Package mtls builds the TLS configurations the router terminates and
// originates with, and carries the certificate tooling around them:
// metadata extraction, fingerprint pinning, and revocation checking.
//
// All configuration errors are surfaced at build time; nothing in this
// package fails lazily during a handshake.
package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoCertificates is returned when PEM input that must contain a
	// certificate has no CERTIFICATE block.
	ErrNoCertificates = errors.New("no certificates found in PEM input")
	// ErrNoPrivateKey is returned when PEM input that must contain a key
	// has no PRIVATE KEY block.
	ErrNoPrivateKey = errors.New("no private key found in PEM input")
)

const pemTypeCertificate = "CERTIFICATE"

// tlsVersions maps the accepted configuration spellings to tls constants.
var tlsVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

// ParseTLSVersion resolves a configured minimum TLS version. The empty
// string selects TLS 1.2. Anything outside 1.0 through 1.3 is rejected.
func ParseTLSVersion(s string) (uint16, error) {
	if s == "" {
		return tls.VersionTLS12, nil
	}
	v, ok := tlsVersions[s]
	if !ok {
		return 0, fmt.Errorf("invalid TLS version %q, expected one of 1.0, 1.1, 1.2, 1.3", s)
	}
	return v, nil
}

// ParseCipherSuites resolves cipher suite names against the suites the
// runtime supports. An empty list keeps the library defaults.
func ParseCipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}

	byName := map[string]uint16{}
	for _, cs := range tls.CipherSuites() {
		byName[cs.Name] = cs.ID
	}
	for _, cs := range tls.InsecureCipherSuites() {
		byName[cs.Name] = cs.ID
	}

	out := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q", name)
		}
		out = append(out, id)
	}
	return out, nil
}

// ServerConfig describes the listener-side TLS material.
type ServerConfig struct {
	// CertPEM and KeyPEM are the server certificate chain and private key.
	CertPEM []byte
	KeyPEM  []byte
	// ClientCAPEM, when set, enables mutual TLS against this CA bundle.
	ClientCAPEM []byte
	// RequireClientCert makes client certificates mandatory rather than
	// verified-when-presented.
	RequireClientCert bool
	// MinVersion is the minimum protocol version, "1.0" through "1.3".
	// Empty selects TLS 1.2.
	MinVersion string
	// CipherSuites restricts the negotiated suites by name. Empty keeps
	// the library defaults.
	CipherSuites []string
}

// Build validates the material and assembles the listener tls.Config.
func (c ServerConfig) Build() (*tls.Config, error) {
	if !hasPEMBlock(c.CertPEM, pemTypeCertificate) {
		return nil, ErrNoCertificates
	}
	if !hasPrivateKeyBlock(c.KeyPEM) {
		return nil, ErrNoPrivateKey
	}

	cert, err := tls.X509KeyPair(c.CertPEM, c.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}

	minVersion, err := ParseTLSVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	suites, err := ParseCipherSuites(c.CipherSuites)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		CipherSuites: suites,
	}

	if len(c.ClientCAPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(c.ClientCAPEM) {
			return nil, fmt.Errorf("no usable certificates in client CA bundle")
		}
		cfg.ClientCAs = pool
		if c.RequireClientCert {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			cfg.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}

	return cfg, nil
}

func hasPEMBlock(data []byte, blockType string) bool {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return false
		}
		if block.Type == blockType {
			return true
		}
	}
}

func hasPrivateKeyBlock(data []byte) bool {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return false
		}
		if strings.HasSuffix(block.Type, "PRIVATE KEY") {
			return true
		}
	}
}
