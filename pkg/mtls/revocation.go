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
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/ocsp"
	"k8s.io/klog/v2"
	"k8s.io/utils/lru"
)

// RevocationStatus classifies a certificate's revocation state.
type RevocationStatus int

const (
	// StatusValid means a revocation source vouched for the certificate.
	StatusValid RevocationStatus = iota
	// StatusRevoked means a revocation source listed the certificate.
	StatusRevoked
	// StatusUnknown means no source gave a conclusive answer.
	StatusUnknown
)

func (s RevocationStatus) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusRevoked:
		return "revoked"
	case StatusUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// RevocationResult is the cached outcome of one revocation lookup.
type RevocationResult struct {
	Status RevocationStatus
	// Reason explains Revoked and Unknown outcomes.
	Reason string
	// RevokedAt is set for Revoked outcomes when the source reported it.
	RevokedAt time.Time
}

// RevocationConfig tunes the checker.
type RevocationConfig struct {
	// EnableOCSP allows querying the certificate's OCSP responders.
	EnableOCSP bool
	// EnableCRL allows fetching the certificate's CRL distribution points.
	EnableCRL bool
	// CacheSize bounds the result cache. Zero or negative selects the
	// default of 1024 entries.
	CacheSize int
}

const defaultRevocationCacheSize = 1024

// DefaultRevocationConfig enables both probes with a 1024-entry cache.
func DefaultRevocationConfig() RevocationConfig {
	return RevocationConfig{
		EnableOCSP: true,
		EnableCRL:  true,
		CacheSize:  defaultRevocationCacheSize,
	}
}

// maxRevocationResponseBytes bounds OCSP and CRL response bodies.
const maxRevocationResponseBytes = 1 << 20

// RevocationChecker answers revocation queries cache-first. OCSP is tried
// before CRL because a responder round trip is cheaper than fetching a full
// list; when neither yields a conclusive answer the result is Unknown.
// Every outcome, Unknown included, is cached under the certificate
// fingerprint so steady-state lookups stay off the network.
type RevocationChecker struct {
	config RevocationConfig
	cache  *lru.Cache
	client *http.Client
}

// NewRevocationChecker returns a checker with a bounded result cache.
func NewRevocationChecker(config RevocationConfig) *RevocationChecker {
	size := config.CacheSize
	if size <= 0 {
		size = defaultRevocationCacheSize
	}
	return &RevocationChecker{
		config: config,
		cache:  lru.New(size),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Check resolves the certificate's revocation status. The issuer is needed
// for OCSP and CRL signature verification; pass nil when unavailable and
// the checker degrades accordingly.
func (c *RevocationChecker) Check(ctx context.Context, cert, issuer *x509.Certificate) RevocationResult {
	fingerprint := Fingerprint(cert.Raw)
	if cached, ok := c.cache.Get(fingerprint); ok {
		return cached.(RevocationResult)
	}

	result := c.lookup(ctx, cert, issuer)
	c.cache.Add(fingerprint, result)
	return result
}

// CacheLen returns the number of cached results.
func (c *RevocationChecker) CacheLen() int {
	return c.cache.Len()
}

func (c *RevocationChecker) lookup(ctx context.Context, cert, issuer *x509.Certificate) RevocationResult {
	logger := klog.FromContext(ctx)

	if !c.config.EnableOCSP && !c.config.EnableCRL {
		return RevocationResult{Status: StatusUnknown, Reason: "revocation checking disabled"}
	}

	if c.config.EnableOCSP && issuer != nil && len(cert.OCSPServer) > 0 {
		result, err := c.checkOCSP(ctx, cert, issuer)
		if err == nil {
			return result
		}
		logger.V(3).Info("OCSP probe inconclusive", "serial", cert.SerialNumber, "err", err)
	}

	if c.config.EnableCRL && len(cert.CRLDistributionPoints) > 0 {
		result, err := c.checkCRL(ctx, cert, issuer)
		if err == nil {
			return result
		}
		logger.V(3).Info("CRL probe inconclusive", "serial", cert.SerialNumber, "err", err)
	}

	return RevocationResult{Status: StatusUnknown, Reason: "no conclusive revocation source"}
}

func (c *RevocationChecker) checkOCSP(ctx context.Context, cert, issuer *x509.Certificate) (RevocationResult, error) {
	reqDER, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return RevocationResult{}, fmt.Errorf("building OCSP request: %w", err)
	}

	var lastErr error
	for _, server := range cert.OCSPServer {
		body, err := c.post(ctx, server, "application/ocsp-request", reqDER)
		if err != nil {
			lastErr = err
			continue
		}

		resp, err := ocsp.ParseResponseForCert(body, cert, issuer)
		if err != nil {
			lastErr = fmt.Errorf("parsing OCSP response from %s: %w", server, err)
			continue
		}

		switch resp.Status {
		case ocsp.Good:
			return RevocationResult{Status: StatusValid}, nil
		case ocsp.Revoked:
			return RevocationResult{
				Status:    StatusRevoked,
				Reason:    revocationReason(resp.RevocationReason),
				RevokedAt: resp.RevokedAt,
			}, nil
		default:
			lastErr = fmt.Errorf("responder %s does not know the certificate", server)
		}
	}
	return RevocationResult{}, lastErr
}

func (c *RevocationChecker) checkCRL(ctx context.Context, cert, issuer *x509.Certificate) (RevocationResult, error) {
	var lastErr error
	for _, dp := range cert.CRLDistributionPoints {
		if !strings.HasPrefix(dp, "http") {
			continue
		}

		body, err := c.get(ctx, dp)
		if err != nil {
			lastErr = err
			continue
		}

		// Distribution points may serve PEM-wrapped lists.
		if block, _ := pem.Decode(body); block != nil {
			body = block.Bytes
		}
		crl, err := x509.ParseRevocationList(body)
		if err != nil {
			lastErr = fmt.Errorf("parsing CRL from %s: %w", dp, err)
			continue
		}
		if issuer != nil {
			if err := crl.CheckSignatureFrom(issuer); err != nil {
				lastErr = fmt.Errorf("verifying CRL from %s: %w", dp, err)
				continue
			}
		}

		for _, revoked := range crl.RevokedCertificates {
			if revoked.SerialNumber.Cmp(cert.SerialNumber) == 0 {
				return RevocationResult{
					Status:    StatusRevoked,
					Reason:    "listed in CRL",
					RevokedAt: revoked.RevocationTime,
				}, nil
			}
		}
		return RevocationResult{Status: StatusValid}, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no usable CRL distribution point")
	}
	return RevocationResult{}, lastErr
}

func (c *RevocationChecker) post(ctx context.Context, url, contentType string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.do(req)
}

func (c *RevocationChecker) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *RevocationChecker) do(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", req.URL, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxRevocationResponseBytes))
}

func revocationReason(code int) string {
	switch code {
	case ocsp.KeyCompromise:
		return "key compromise"
	case ocsp.CACompromise:
		return "ca compromise"
	case ocsp.AffiliationChanged:
		return "affiliation changed"
	case ocsp.Superseded:
		return "superseded"
	case ocsp.CessationOfOperation:
		return "cessation of operation"
	case ocsp.CertificateHold:
		return "certificate hold"
	default:
		return "unspecified"
	}
}
