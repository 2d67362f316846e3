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
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	gatewayoptions "github.com/datum-net/router/pkg/gateway/options"
	"github.com/datum-net/router/pkg/loadbalance"
	"github.com/datum-net/router/pkg/middleware"
	"github.com/datum-net/router/pkg/policy"
	"github.com/datum-net/router/pkg/registry"
	"github.com/datum-net/router/pkg/tracing"
)

const backendRoutes = `
routes:
  - path: /api/*
    service: backend
    namespace: default
`

func writeRoutesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// newTestConfig builds a config over the given routes with backoffs tuned
// down so retry tests finish quickly.
func newTestConfig(t *testing.T, routes string, tune func(*gatewayoptions.Options)) *Config {
	t.Helper()

	opts := gatewayoptions.NewOptions()
	opts.RoutesFile = writeRoutesFile(t, routes)
	opts.Policy.InitialBackoff = time.Millisecond
	opts.Policy.MaxBackoff = 2 * time.Millisecond
	if tune != nil {
		tune(opts)
	}
	require.NoError(t, opts.Complete())
	require.Empty(t, opts.Validate())

	cfg, err := NewConfig(opts)
	require.NoError(t, err)
	return cfg
}

func registerBackend(cfg *Config, endpoints ...registry.Endpoint) {
	cfg.Registry.Register(registry.ServiceInfo{
		Name:      "backend",
		Namespace: "default",
		Endpoints: endpoints,
	})
}

func backendEndpoint(t *testing.T, server *httptest.Server) registry.Endpoint {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return registry.Endpoint{IP: host, Port: uint16(port), Ready: true}
}

func TestHandlerProxiesRequest(t *testing.T) {
	var gotHeaders http.Header
	var gotURI string
	var gotBody []byte
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotURI = r.URL.RequestURI()
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Backend", "b1")
		fmt.Fprint(w, "hello from backend")
	}))
	defer backend.Close()

	cfg := newTestConfig(t, backendRoutes, nil)
	registerBackend(cfg, backendEndpoint(t, backend))
	handler := NewHandler(cfg.Complete())

	req := httptest.NewRequest(http.MethodPost, "/api/things?page=2", strings.NewReader("payload"))
	req.Header.Set("X-Custom", "yes")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello from backend", rec.Body.String())
	require.Equal(t, "b1", rec.Header().Get("X-Backend"))

	requestID := rec.Header().Get(middleware.RequestIDHeader)
	require.NotEmpty(t, requestID)
	traceID := rec.Header().Get(tracing.TraceIDHeader)
	require.NotEmpty(t, traceID)

	require.Equal(t, "/api/things?page=2", gotURI)
	require.Equal(t, []byte("payload"), gotBody)
	require.Equal(t, "yes", gotHeaders.Get("X-Custom"))
	require.Equal(t, requestID, gotHeaders.Get(middleware.RequestIDHeader))

	tc, ok := tracing.Parse(gotHeaders.Get(tracing.TraceParentHeader))
	require.True(t, ok)
	require.Equal(t, traceID, tc.TraceID)

	exposition, err := cfg.Metrics.Gather()
	require.NoError(t, err)
	require.Contains(t, exposition, `http_requests_total{method="POST",path="/api/things"} 1`)
	require.Contains(t, exposition, `http_responses_total{status="200"} 1`)
}

func TestHandlerContinuesInboundTrace(t *testing.T) {
	var gotParent string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotParent = r.Header.Get(tracing.TraceParentHeader)
	}))
	defer backend.Close()

	cfg := newTestConfig(t, backendRoutes, nil)
	registerBackend(cfg, backendEndpoint(t, backend))
	handler := NewHandler(cfg.Complete())

	inbound := "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	req := httptest.NewRequest(http.MethodGet, "/api/things", nil)
	req.Header.Set(tracing.TraceParentHeader, inbound)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", rec.Header().Get(tracing.TraceIDHeader))

	tc, ok := tracing.Parse(gotParent)
	require.True(t, ok)
	require.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", tc.TraceID)
	// Each hop gets its own span.
	require.NotEqual(t, "00f067aa0ba902b7", tc.SpanID)
}

func TestHandlerNoRoute(t *testing.T) {
	cfg := newTestConfig(t, backendRoutes, nil)
	handler := NewHandler(cfg.Complete())

	req := httptest.NewRequest(http.MethodGet, "/other", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "no route for GET /other")
	require.Equal(t, "Not Found", rec.Header().Get("X-Router-Error"))
	require.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
}

func TestHandlerUnknownService(t *testing.T) {
	routes := `
routes:
  - path: /api/*
    service: ghost
    namespace: default
`
	cfg := newTestConfig(t, routes, nil)
	handler := NewHandler(cfg.Complete())

	req := httptest.NewRequest(http.MethodGet, "/api/things", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "service default/ghost is not registered")
}

func TestHandlerNoReadyEndpoints(t *testing.T) {
	cfg := newTestConfig(t, backendRoutes, nil)
	registerBackend(cfg,
		registry.Endpoint{IP: "10.0.0.1", Port: 8080, Ready: false},
		registry.Endpoint{IP: "10.0.0.2", Port: 8080, Ready: false},
	)
	handler := NewHandler(cfg.Complete())

	req := httptest.NewRequest(http.MethodGet, "/api/things", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "no ready endpoints for default/backend")
}

func TestHandlerRateLimited(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	cfg := newTestConfig(t, backendRoutes, func(opts *gatewayoptions.Options) {
		opts.RateLimit.QPS = 0.01
		opts.RateLimit.Burst = 1
	})
	registerBackend(cfg, backendEndpoint(t, backend))
	handler := NewHandler(cfg.Complete())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/things", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/things", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Contains(t, rec.Body.String(), "rate limit exceeded")
	// Middleware ran before the limit check, so the response is still tagged.
	require.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
}

func TestHandlerRetriesUntilSuccess(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, "recovered")
	}))
	defer backend.Close()

	cfg := newTestConfig(t, backendRoutes, nil)
	registerBackend(cfg, backendEndpoint(t, backend))
	handler := NewHandler(cfg.Complete())

	req := httptest.NewRequest(http.MethodGet, "/api/things", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "recovered", rec.Body.String())
	require.EqualValues(t, 3, hits.Load())

	// The final success cleared the failure streak.
	failures, _ := cfg.Breakers.Get("default/backend").Counts()
	require.Zero(t, failures)
}

func TestHandlerExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer backend.Close()

	cfg := newTestConfig(t, backendRoutes, func(opts *gatewayoptions.Options) {
		opts.Policy.MaxRetries = 2
	})
	registerBackend(cfg, backendEndpoint(t, backend))
	handler := NewHandler(cfg.Complete())

	req := httptest.NewRequest(http.MethodGet, "/api/things", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.EqualValues(t, 3, hits.Load())

	// Only the retried attempts recorded failures; the last one is handed
	// back to the client as-is.
	breaker := cfg.Breakers.Get("default/backend")
	failures, _ := breaker.Counts()
	require.Equal(t, 2, failures)
	require.Equal(t, policy.Closed, breaker.State())
}

func TestHandlerBreakerOpenFailsFast(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer backend.Close()

	cfg := newTestConfig(t, backendRoutes, nil)
	registerBackend(cfg, backendEndpoint(t, backend))

	breaker := cfg.Breakers.Get("default/backend")
	for i := 0; i < 5; i++ {
		breaker.RecordFailure()
	}
	require.Equal(t, policy.Open, breaker.State())

	handler := NewHandler(cfg.Complete())
	req := httptest.NewRequest(http.MethodGet, "/api/things", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "circuit breaker open for default/backend")
	require.Zero(t, hits.Load())
}

func TestHandlerBreakerRecoversAfterTimeout(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer backend.Close()

	cfg := newTestConfig(t, backendRoutes, func(opts *gatewayoptions.Options) {
		opts.Policy.BreakerTimeout = 5 * time.Millisecond
		opts.Policy.BreakerSuccessThreshold = 1
	})
	registerBackend(cfg, backendEndpoint(t, backend))

	breaker := cfg.Breakers.Get("default/backend")
	for i := 0; i < 5; i++ {
		breaker.RecordFailure()
	}
	require.Equal(t, policy.Open, breaker.State())

	time.Sleep(10 * time.Millisecond)

	handler := NewHandler(cfg.Complete())
	req := httptest.NewRequest(http.MethodGet, "/api/things", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, hits.Load())
	require.Equal(t, policy.Closed, breaker.State())
}

func TestHandlerSourceIPHashAffinity(t *testing.T) {
	var hits1, hits2 atomic.Int32
	backend1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits1.Add(1)
	}))
	defer backend1.Close()
	backend2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits2.Add(1)
	}))
	defer backend2.Close()

	cfg := newTestConfig(t, backendRoutes, func(opts *gatewayoptions.Options) {
		opts.Balancer.Strategy = string(loadbalance.SourceIPHash)
	})
	registerBackend(cfg, backendEndpoint(t, backend1), backendEndpoint(t, backend2))
	handler := NewHandler(cfg.Complete())

	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/things", nil)
		req.RemoteAddr = "198.51.100.7:4242"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	// Same source ip, same endpoint, every time.
	require.EqualValues(t, 6, hits1.Load()+hits2.Load())
	if hits1.Load() != 0 {
		require.EqualValues(t, 6, hits1.Load())
	} else {
		require.EqualValues(t, 6, hits2.Load())
	}
}

func TestHandlerUpstreamUnreachable(t *testing.T) {
	// Grab a port that nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := newTestConfig(t, backendRoutes, func(opts *gatewayoptions.Options) {
		opts.Policy.MaxRetries = 0
	})
	registerBackend(cfg, registry.Endpoint{IP: host, Port: uint16(port), Ready: true})
	handler := NewHandler(cfg.Complete())

	req := httptest.NewRequest(http.MethodGet, "/api/things", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// Transport failures surface as synthesized responses, not hook errors.
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, "Bad Gateway", rec.Header().Get("X-Router-Error"))
	require.Contains(t, rec.Body.String(), "upstream unreachable")

	exposition, err := cfg.Metrics.Gather()
	require.NoError(t, err)
	require.Contains(t, exposition, `http_responses_total{status="502"} 1`)
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, fmt.Errorf("broken pipe") }

func TestHandlerUnreadableRequestBody(t *testing.T) {
	cfg := newTestConfig(t, backendRoutes, nil)
	registerBackend(cfg, registry.Endpoint{IP: "10.0.0.1", Port: 8080, Ready: true})
	handler := NewHandler(cfg.Complete())

	req := httptest.NewRequest(http.MethodPost, "/api/things", nil)
	req.Body = io.NopCloser(errReader{})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, rec.Body.String(), "failed to read request body")

	exposition, err := cfg.Metrics.Gather()
	require.NoError(t, err)
	require.Contains(t, exposition, "http_errors_total 1")
}
