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
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"time"
)

// Fingerprint returns the SHA-256 digest of DER-encoded certificate bytes
// as lowercase hex without separators. This is the canonical certificate
// identity used for pinning and revocation caching.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// Metadata is the operationally interesting subset of a certificate.
type Metadata struct {
	// Subject is the subject common name.
	Subject string
	// SubjectAltNames collects DNS names followed by IP addresses.
	SubjectAltNames []string
	// NotBefore and NotAfter bound the validity window.
	NotBefore time.Time
	NotAfter  time.Time
	// Issuer is the issuer common name.
	Issuer string
	// Fingerprint is the SHA-256 identity of the DER encoding.
	Fingerprint string
}

// NewMetadata extracts metadata from a parsed certificate.
func NewMetadata(cert *x509.Certificate) Metadata {
	sans := make([]string, 0, len(cert.DNSNames)+len(cert.IPAddresses))
	sans = append(sans, cert.DNSNames...)
	for _, ip := range cert.IPAddresses {
		sans = append(sans, ip.String())
	}

	return Metadata{
		Subject:         cert.Subject.CommonName,
		SubjectAltNames: sans,
		NotBefore:       cert.NotBefore,
		NotAfter:        cert.NotAfter,
		Issuer:          cert.Issuer.CommonName,
		Fingerprint:     Fingerprint(cert.Raw),
	}
}

// IsValidNow reports whether the current instant falls inside the validity
// window, boundaries included.
func (m Metadata) IsValidNow() bool {
	now := time.Now()
	return !now.Before(m.NotBefore) && !now.After(m.NotAfter)
}

// DaysUntilExpiry returns the whole days until NotAfter, truncated toward
// zero. Negative once the certificate has expired.
func (m Metadata) DaysUntilExpiry() int {
	return int(time.Until(m.NotAfter) / (24 * time.Hour))
}

// ParseCertificatePEM parses the first CERTIFICATE block in data.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, ErrNoCertificates
		}
		if block.Type != pemTypeCertificate {
			continue
		}
		return x509.ParseCertificate(block.Bytes)
	}
}
