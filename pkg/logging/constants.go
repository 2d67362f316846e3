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

// Package logging supplies common constants to ensure consistent use of structured logs.
package logging

import (
	"github.com/go-logr/logr"
)

const (
	// ComponentKey is used to identify a data-plane component.
	ComponentKey = "component"

	// ServiceKey is used to specify a service when a log is related to routing.
	ServiceKey = "service"
	// NamespaceKey is used to specify a namespace when a log is related to routing.
	NamespaceKey = "namespace"
	// EndpointKey is used to expose the backend address a request was sent to.
	EndpointKey = "endpoint"
	// RouteKey is used to expose the route pattern that matched a request.
	RouteKey = "route"

	// MiddlewareKey is used to identify the middleware a hook log came from.
	MiddlewareKey = "middleware"

	// RequestIDKey is used to correlate all logs emitted for one request.
	RequestIDKey = "requestID"
	// TraceIDKey is used to expose the W3C trace id carried by a request.
	TraceIDKey = "traceID"

	// AttemptKey is used to expose the forwarding attempt number when retrying.
	AttemptKey = "attempt"
)

// WithComponent adds the component name to the logger.
func WithComponent(logger logr.Logger, component string) logr.Logger {
	return logger.WithValues(ComponentKey, component)
}

// WithService adds service identifiers to the logger.
func WithService(logger logr.Logger, namespace, name string) logr.Logger {
	return logger.WithValues(NamespaceKey, namespace, ServiceKey, name)
}

// WithEndpoint adds the backend endpoint address to the logger.
func WithEndpoint(logger logr.Logger, addr string) logr.Logger {
	return logger.WithValues(EndpointKey, addr)
}

// WithMiddleware adds the middleware name to the logger.
func WithMiddleware(logger logr.Logger, name string) logr.Logger {
	return logger.WithValues(MiddlewareKey, name)
}

// WithRequestID adds the request correlation id to the logger.
func WithRequestID(logger logr.Logger, id string) logr.Logger {
	return logger.WithValues(RequestIDKey, id)
}
