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

// Package middleware runs ordered hook chains around proxied requests.
// Hooks observe and annotate; they cannot abort a request, and a failing
// hook is logged and skipped rather than surfaced to the client.
package middleware

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"k8s.io/klog/v2"

	"github.com/datum-net/router/pkg/logging"
)

// Metadata keys shared between the built-in middlewares and the gateway.
const (
	// MetaRequestID carries the per-request correlation id.
	MetaRequestID = "request-id"
	// MetaTraceID and MetaSpanID carry the W3C trace identifiers.
	MetaTraceID = "trace-id"
	MetaSpanID  = "span-id"
	// MetaTraceParent carries the rendered traceparent value for the
	// outbound hop.
	MetaTraceParent = "traceparent"
	// MetaStartTime carries the request arrival instant, RFC3339Nano.
	MetaStartTime = "start-time"
	// MetaRateLimited is set when the rate limiter rejected the request.
	MetaRateLimited = "rate-limited"
)

// Context is the per-request state the hooks share. The request line and
// headers are immutable snapshots; the metadata bag is the mutable channel
// between hooks and the gateway.
type Context struct {
	Path          string
	Method        string
	RequestHeader http.Header

	mu       sync.Mutex
	metadata map[string]string
}

// NewContext snapshots a request into a middleware context.
func NewContext(req *http.Request) *Context {
	return &Context{
		Path:          req.URL.Path,
		Method:        req.Method,
		RequestHeader: req.Header.Clone(),
		metadata:      map[string]string{},
	}
}

// Set records a metadata value.
func (c *Context) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// Get returns a metadata value and whether it was set.
func (c *Context) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.metadata[key]
	return v, ok
}

// Delete removes a metadata value.
func (c *Context) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.metadata, key)
}

// Keys returns the metadata keys in sorted order.
func (c *Context) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.metadata))
	for k := range c.metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Middleware hooks into the request lifecycle. OnRequest runs before
// routing, OnResponse after an upstream (or synthesized) response exists,
// OnError when forwarding failed without a response.
type Middleware interface {
	Name() string
	OnRequest(ctx context.Context, mctx *Context) error
	OnResponse(ctx context.Context, mctx *Context, status int) error
	OnError(ctx context.Context, mctx *Context, message string) error
}

// Base is an embeddable no-op hook set, so middlewares implement only the
// hooks they care about.
type Base struct{}

func (Base) OnRequest(context.Context, *Context) error { return nil }

func (Base) OnResponse(context.Context, *Context, int) error { return nil }

func (Base) OnError(context.Context, *Context, string) error { return nil }

// Chain runs middlewares in registration order on the way in and reverse
// order on the way out, mirroring how wrapping handlers would nest.
type Chain struct {
	middlewares []Middleware
}

// NewChain builds a chain from the given middlewares, in order.
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: middlewares}
}

// Use appends a middleware to the chain.
func (c *Chain) Use(m Middleware) {
	c.middlewares = append(c.middlewares, m)
}

// Len returns the number of registered middlewares.
func (c *Chain) Len() int {
	return len(c.middlewares)
}

// OnRequest runs the request hooks in registration order.
func (c *Chain) OnRequest(ctx context.Context, mctx *Context) {
	for _, m := range c.middlewares {
		if err := m.OnRequest(ctx, mctx); err != nil {
			logging.WithMiddleware(klog.FromContext(ctx), m.Name()).Error(err, "request hook failed")
		}
	}
}

// OnResponse runs the response hooks in reverse registration order.
func (c *Chain) OnResponse(ctx context.Context, mctx *Context, status int) {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		m := c.middlewares[i]
		if err := m.OnResponse(ctx, mctx, status); err != nil {
			logging.WithMiddleware(klog.FromContext(ctx), m.Name()).Error(err, "response hook failed")
		}
	}
}

// OnError runs the error hooks in registration order.
func (c *Chain) OnError(ctx context.Context, mctx *Context, message string) {
	for _, m := range c.middlewares {
		if err := m.OnError(ctx, mctx, message); err != nil {
			logging.WithMiddleware(klog.FromContext(ctx), m.Name()).Error(err, "error hook failed")
		}
	}
}
