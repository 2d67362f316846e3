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

// Package proxy relays single HTTP exchanges to upstream endpoints. The
// forwarder maps transport failures to HTTP-shaped error responses and
// performs exactly one attempt per call; retry orchestration belongs to
// the gateway.
package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/datum-net/router/pkg/policy"
)

// hopByHopHeaders are connection-local and never cross the proxy, in
// either direction. Compared case-insensitively.
var hopByHopHeaders = sets.NewString(
	"connection",
	"keep-alive",
	"proxy-authenticate",
	"proxy-authorization",
	"te",
	"trailers",
	"transfer-encoding",
	"upgrade",
)

// Forwarder sends buffered HTTP exchanges upstream over a pooled transport.
type Forwarder struct {
	client    *http.Client
	tlsConfig *tls.Config
	timeout   time.Duration
}

// NewForwarder builds a forwarder honoring the timeout policy. tlsConfig
// enables https upstreams; with nil, forwarding to an https target fails
// before any network activity.
func NewForwarder(timeouts policy.TimeoutPolicy, tlsConfig *tls.Config) *Forwarder {
	dialer := &net.Dialer{
		Timeout:   timeouts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   timeouts.ConnectTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &Forwarder{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeouts.RequestTimeout,
			// Redirects belong to the client, not the proxy.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		tlsConfig: tlsConfig,
		timeout:   timeouts.RequestTimeout,
	}
}

// Forward relays one exchange to targetURL. The inbound body is buffered
// before sending so the caller holds retryable state; the response body is
// buffered before returning so the upstream connection is released. All
// upstream failures come back as synthesized responses: 504 for timeouts,
// 502 for everything else. A non-nil error means the inbound request
// itself was unusable.
func (f *Forwarder) Forward(ctx context.Context, targetURL string, req *http.Request) (*http.Response, error) {
	logger := klog.FromContext(ctx)

	target, err := url.Parse(targetURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return ErrorResponse(http.StatusBadGateway, fmt.Sprintf("invalid forward target %q", targetURL)), nil
	}
	if target.Scheme == "https" && f.tlsConfig == nil {
		return ErrorResponse(http.StatusBadGateway, "https upstream requires a TLS client configuration"), nil
	}

	var body []byte
	if req.Body != nil {
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	out.Header = forwardableHeaders(req.Header)

	resp, err := f.client.Do(out)
	if err != nil {
		if isTimeout(err) {
			logger.V(3).Info("upstream timed out", "target", targetURL, "err", err)
			return ErrorResponse(http.StatusGatewayTimeout, "upstream request timed out"), nil
		}
		logger.V(3).Info("upstream unreachable", "target", targetURL, "err", err)
		return ErrorResponse(http.StatusBadGateway, "upstream unreachable"), nil
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return ErrorResponse(http.StatusGatewayTimeout, "upstream response timed out"), nil
		}
		return ErrorResponse(http.StatusBadGateway, "reading upstream response"), nil
	}

	resp.Body = io.NopCloser(bytes.NewReader(respBody))
	resp.ContentLength = int64(len(respBody))
	stripHopByHop(resp.Header)
	return resp, nil
}

// TargetURL builds the upstream URL for a backend address from the inbound
// path and query.
func TargetURL(scheme, addr, pathAndQuery string) string {
	if !strings.HasPrefix(pathAndQuery, "/") {
		pathAndQuery = "/" + pathAndQuery
	}
	return scheme + "://" + addr + pathAndQuery
}

// ErrorResponse synthesizes an HTTP-shaped failure the data plane can hand
// back without an upstream response to wrap.
func ErrorResponse(status int, message string) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("X-Router-Error", http.StatusText(status))

	body := []byte(message + "\n")
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

// forwardableHeaders copies h minus the hop-by-hop set.
func forwardableHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for key, values := range h {
		if hopByHopHeaders.Has(strings.ToLower(key)) {
			continue
		}
		out[key] = append([]string(nil), values...)
	}
	return out
}

// stripHopByHop removes the hop-by-hop set from h in place.
func stripHopByHop(h http.Header) {
	for key := range h {
		if hopByHopHeaders.Has(strings.ToLower(key)) {
			h.Del(key)
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
