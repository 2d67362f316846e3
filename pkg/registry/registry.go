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

// Package registry implements the in-memory service registry the data plane
// routes against. It is populated by discovery collaborators (or a static
// services file) and read on every proxied request.
package registry

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// ErrServiceNotFound is returned when an operation references a service id
// that has not been registered.
var ErrServiceNotFound = errors.New("service not found")

// Endpoint is one routable backend address of a service. Endpoints are value
// types: they are rebuilt on every registry update and never mutated in place.
type Endpoint struct {
	IP    string `json:"ip"`
	Port  uint16 `json:"port"`
	Ready bool   `json:"ready"`
}

// Addr returns the dialable host:port form of the endpoint.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(int(e.Port)))
}

// ServiceInfo describes a registered service and its current endpoints.
type ServiceInfo struct {
	Name      string     `json:"name"`
	Namespace string     `json:"namespace"`
	Endpoints []Endpoint `json:"endpoints,omitempty"`
	ClusterID string     `json:"clusterId,omitempty"`
}

// Key returns the registry identity of the service, "namespace/name".
func (s ServiceInfo) Key() string {
	return Key(s.Namespace, s.Name)
}

// Key builds the registry identity for a namespace/name pair.
func Key(namespace, name string) string {
	return namespace + "/" + name
}

// Registry is a concurrency-safe map of service id to ServiceInfo. All
// operations are atomic with respect to each other; readers always observe
// a service either entirely before or entirely after a write, never a
// partial update.
type Registry struct {
	lock     sync.RWMutex
	services map[string]ServiceInfo
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		services: map[string]ServiceInfo{},
	}
}

// Register inserts or replaces the service under its key. The last writer
// wins; there is no error path.
func (r *Registry) Register(info ServiceInfo) {
	info.Endpoints = cloneEndpoints(info.Endpoints)

	r.lock.Lock()
	defer r.lock.Unlock()
	r.services[info.Key()] = info
}

// Get returns a snapshot of the service, or false when it is not registered.
// The returned endpoint slice is a copy; callers cannot alias registry state.
func (r *Registry) Get(namespace, name string) (ServiceInfo, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	info, ok := r.services[Key(namespace, name)]
	if !ok {
		return ServiceInfo{}, false
	}
	info.Endpoints = cloneEndpoints(info.Endpoints)
	return info, true
}

// UpdateEndpoints replaces the service's endpoint set wholesale. Returns
// ErrServiceNotFound when the service has not been registered.
func (r *Registry) UpdateEndpoints(namespace, name string, endpoints []Endpoint) error {
	key := Key(namespace, name)

	r.lock.Lock()
	defer r.lock.Unlock()

	info, ok := r.services[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, key)
	}
	info.Endpoints = cloneEndpoints(endpoints)
	r.services[key] = info
	return nil
}

// Deregister removes the service. Returns ErrServiceNotFound when the
// service has not been registered.
func (r *Registry) Deregister(namespace, name string) error {
	key := Key(namespace, name)

	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.services[key]; !ok {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, key)
	}
	delete(r.services, key)
	return nil
}

// List returns a snapshot of all registered services in unspecified order.
func (r *Registry) List() []ServiceInfo {
	r.lock.RLock()
	defer r.lock.RUnlock()

	out := make([]ServiceInfo, 0, len(r.services))
	for _, info := range r.services {
		info.Endpoints = cloneEndpoints(info.Endpoints)
		out = append(out, info)
	}
	return out
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.services)
}

func cloneEndpoints(endpoints []Endpoint) []Endpoint {
	if endpoints == nil {
		return nil
	}
	out := make([]Endpoint, len(endpoints))
	copy(out, endpoints)
	return out
}
