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
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	"github.com/datum-net/router/pkg/loadbalance"
	"github.com/datum-net/router/pkg/logging"
	"github.com/datum-net/router/pkg/metrics"
	"github.com/datum-net/router/pkg/middleware"
	"github.com/datum-net/router/pkg/mtls"
	"github.com/datum-net/router/pkg/policy"
	"github.com/datum-net/router/pkg/proxy"
	"github.com/datum-net/router/pkg/registry"
	"github.com/datum-net/router/pkg/tracing"
)

// handler orchestrates one proxied exchange end to end: middleware hooks,
// routing, breaker gating, endpoint selection, the retry loop, and the
// final write.
type handler struct {
	routes    []Route
	registry  *registry.Registry
	balancer  *loadbalance.LoadBalancer
	policy    policy.Policy
	breakers  *policy.BreakerPool
	chain     *middleware.Chain
	forwarder *proxy.Forwarder
	metrics   *metrics.Collector

	pinner     *mtls.Pinner
	revocation *mtls.RevocationChecker

	upstreamScheme string
}

// NewHandler builds the data-plane handler from a completed config.
func NewHandler(c CompletedConfig) http.Handler {
	return &handler{
		routes:         c.Routes,
		registry:       c.Registry,
		balancer:       c.Balancer,
		policy:         c.Policy,
		breakers:       c.Breakers,
		chain:          c.Chain,
		forwarder:      c.Forwarder,
		metrics:        c.Metrics,
		pinner:         c.Pinner,
		revocation:     c.Revocation,
		upstreamScheme: c.UpstreamScheme,
	}
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.WithComponent(klog.FromContext(ctx), "gateway")
	ctx = klog.NewContext(ctx, logger)

	mctx := middleware.NewContext(r)
	h.chain.OnRequest(ctx, mctx)

	if id, ok := mctx.Get(middleware.MetaRequestID); ok {
		logger = logging.WithRequestID(logger, id)
		ctx = klog.NewContext(ctx, logger)
	}

	if _, limited := mctx.Get(middleware.MetaRateLimited); limited {
		h.reply(ctx, w, mctx, proxy.ErrorResponse(http.StatusTooManyRequests, "rate limit exceeded"))
		return
	}

	if resp := h.checkClientCertificate(ctx, r); resp != nil {
		h.reply(ctx, w, mctx, resp)
		return
	}

	route, ok := FindRoute(h.routes, r.URL.Path, r.Method)
	if !ok {
		h.reply(ctx, w, mctx, proxy.ErrorResponse(http.StatusNotFound, fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path)))
		return
	}
	logger = logging.WithService(logger.WithValues(logging.RouteKey, route.Path), route.Namespace, route.Service)
	ctx = klog.NewContext(ctx, logger)

	service, ok := h.registry.Get(route.Namespace, route.Service)
	if !ok {
		h.reply(ctx, w, mctx, proxy.ErrorResponse(http.StatusNotFound, fmt.Sprintf("service %s is not registered", route.ServiceKey())))
		return
	}
	if !hasReadyEndpoint(service.Endpoints) {
		h.reply(ctx, w, mctx, proxy.ErrorResponse(http.StatusServiceUnavailable, fmt.Sprintf("no ready endpoints for %s", service.Key())))
		return
	}

	breaker := h.breakers.Get(service.Key())
	if !breaker.CanAttempt() {
		if time.Since(breaker.OpenedSince()) < h.policy.Breaker.Timeout {
			h.reply(ctx, w, mctx, proxy.ErrorResponse(http.StatusServiceUnavailable, fmt.Sprintf("circuit breaker open for %s", service.Key())))
			return
		}
		breaker.TryHalfOpen()
	}

	// Buffer the inbound body once; each attempt gets a fresh reader.
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		_ = r.Body.Close()
		if err != nil {
			h.fail(ctx, w, mctx, "failed to read request body")
			return
		}
	}
	h.metrics.ObserveRequestSize(r.Method, float64(len(body)))

	resp, err := h.forward(ctx, mctx, r, service, breaker, body)
	if err != nil {
		h.fail(ctx, w, mctx, err.Error())
		return
	}
	h.reply(ctx, w, mctx, resp)
}

// forward runs the retry loop against the selected service. A non-nil
// error means no attempt produced a response; otherwise the last upstream
// or synthesized response is returned.
func (h *handler) forward(ctx context.Context, mctx *middleware.Context, r *http.Request, service registry.ServiceInfo, breaker *policy.CircuitBreaker, body []byte) (*http.Response, error) {
	logger := klog.FromContext(ctx)
	hashKey := clientIP(r)

	endpoint := h.selectEndpoint(service.Endpoints, hashKey)
	if endpoint == nil {
		return proxy.ErrorResponse(http.StatusServiceUnavailable, fmt.Sprintf("no ready endpoints for %s", service.Key())), nil
	}

	for attempt := 0; ; attempt++ {
		attemptLogger := logging.WithEndpoint(logger, endpoint.Addr()).WithValues(logging.AttemptKey, attempt)
		attemptCtx := klog.NewContext(ctx, attemptLogger)

		out := r.Clone(attemptCtx)
		out.Body = io.NopCloser(bytes.NewReader(body))
		if parent, ok := mctx.Get(middleware.MetaTraceParent); ok {
			out.Header.Set(tracing.TraceParentHeader, parent)
		}
		if id, ok := mctx.Get(middleware.MetaRequestID); ok {
			out.Header.Set(middleware.RequestIDHeader, id)
		}

		target := proxy.TargetURL(h.upstreamScheme, endpoint.Addr(), r.URL.RequestURI())
		resp, err := h.forwarder.Forward(attemptCtx, target, out)
		if err != nil {
			return nil, err
		}
		resp = h.verifyUpstreamPin(attemptCtx, service.Key(), resp)

		if !h.policy.Retry.IsRetryable(resp.StatusCode) {
			breaker.RecordSuccess()
			return resp, nil
		}
		if attempt >= h.policy.Retry.MaxRetries {
			return resp, nil
		}

		breaker.RecordFailure()
		attemptLogger.V(2).Info("retrying after upstream failure", "status", resp.StatusCode)

		select {
		case <-ctx.Done():
			return resp, nil
		case <-time.After(h.policy.Retry.Backoff(attempt)):
		}

		// Readiness may have changed while backing off; reselect from the
		// current registry state and keep the last response if nothing is
		// left to try.
		current, ok := h.registry.Get(service.Namespace, service.Name)
		if !ok {
			return resp, nil
		}
		next := h.selectEndpoint(current.Endpoints, hashKey)
		if next == nil {
			return resp, nil
		}
		endpoint = next
	}
}

// checkClientCertificate logs identity metadata for mutual TLS
// connections and rejects revoked client certificates. Connections
// without a peer certificate pass; demanding one is the listener's job.
func (h *handler) checkClientCertificate(ctx context.Context, r *http.Request) *http.Response {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil
	}
	logger := klog.FromContext(ctx)

	leaf := r.TLS.PeerCertificates[0]
	meta := mtls.NewMetadata(leaf)
	logger.V(3).Info("client certificate presented",
		"subject", meta.Subject,
		"fingerprint", meta.Fingerprint,
		"expiresInDays", meta.DaysUntilExpiry(),
	)
	if !meta.IsValidNow() {
		logger.V(2).Info("client certificate outside its validity window", "subject", meta.Subject)
	}

	if h.revocation == nil {
		return nil
	}

	var issuer *x509.Certificate
	if len(r.TLS.VerifiedChains) > 0 && len(r.TLS.VerifiedChains[0]) > 1 {
		issuer = r.TLS.VerifiedChains[0][1]
	} else if len(r.TLS.PeerCertificates) > 1 {
		issuer = r.TLS.PeerCertificates[1]
	}

	result := h.revocation.Check(ctx, leaf, issuer)
	if result.Status == mtls.StatusRevoked {
		logger.Info("rejecting revoked client certificate", "subject", meta.Subject, "reason", result.Reason)
		return proxy.ErrorResponse(http.StatusForbidden, "client certificate revoked")
	}
	return nil
}

// verifyUpstreamPin swaps a response whose TLS peer certificate matches
// no recorded pin for a synthesized 502, which the retry policy treats
// like any other upstream failure.
func (h *handler) verifyUpstreamPin(ctx context.Context, serviceKey string, resp *http.Response) *http.Response {
	if resp.TLS == nil || len(resp.TLS.PeerCertificates) == 0 {
		return resp
	}
	fingerprint := mtls.Fingerprint(resp.TLS.PeerCertificates[0].Raw)
	if h.pinner.Verify(serviceKey, fingerprint) {
		return resp
	}
	klog.FromContext(ctx).Info("upstream certificate does not match pin", "fingerprint", fingerprint)
	_ = resp.Body.Close()
	return proxy.ErrorResponse(http.StatusBadGateway, "upstream certificate pin mismatch")
}

// reply finishes an exchange that has a response: hooks run in reverse,
// then the response is written.
func (h *handler) reply(ctx context.Context, w http.ResponseWriter, mctx *middleware.Context, resp *http.Response) {
	h.chain.OnResponse(ctx, mctx, resp.StatusCode)
	h.write(ctx, w, mctx, resp)
}

// fail finishes an exchange that produced no response at all.
func (h *handler) fail(ctx context.Context, w http.ResponseWriter, mctx *middleware.Context, message string) {
	h.chain.OnError(ctx, mctx, message)
	h.write(ctx, w, mctx, proxy.ErrorResponse(http.StatusBadGateway, message))
}

func (h *handler) write(ctx context.Context, w http.ResponseWriter, mctx *middleware.Context, resp *http.Response) {
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		klog.FromContext(ctx).Error(err, "failed to read buffered response body")
		body = nil
	}

	header := w.Header()
	for key, values := range resp.Header {
		header[key] = append([]string(nil), values...)
	}
	if id, ok := mctx.Get(middleware.MetaRequestID); ok {
		header.Set(middleware.RequestIDHeader, id)
	}
	if traceID, ok := mctx.Get(middleware.MetaTraceID); ok {
		header.Set(tracing.TraceIDHeader, traceID)
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotModified {
		header.Set("Content-Length", strconv.Itoa(len(body)))
	}

	h.metrics.ObserveResponseSize(resp.StatusCode, float64(len(body)))
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		klog.FromContext(ctx).V(4).Info("client write failed", "err", err)
	}
}

// selectEndpoint picks per the configured strategy; hash strategies key
// on the client source ip so a client sticks to one endpoint.
func (h *handler) selectEndpoint(endpoints []registry.Endpoint, hashKey string) *registry.Endpoint {
	switch h.balancer.Strategy() {
	case loadbalance.SourceIPHash, loadbalance.ConsistentHash:
		return h.balancer.SelectByKey(endpoints, hashKey)
	default:
		return h.balancer.Select(endpoints)
	}
}

func hasReadyEndpoint(endpoints []registry.Endpoint) bool {
	for _, ep := range endpoints {
		if ep.Ready {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
