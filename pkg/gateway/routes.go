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
	"os"
	"strings"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"sigs.k8s.io/yaml"

	"github.com/datum-net/router/pkg/registry"
)

// Route binds a path pattern to a destination service. Patterns ending in
// "/*" or "/" match by prefix, everything else matches exactly. An empty
// method list admits all methods.
type Route struct {
	Path      string   `json:"path"`
	Service   string   `json:"service"`
	Namespace string   `json:"namespace"`
	Methods   []string `json:"methods,omitempty"`
}

// Matches reports whether the route covers the given path and method.
func (r Route) Matches(path, method string) bool {
	return matchPath(path, r.Path) && matchMethod(method, r.Methods)
}

// ServiceKey returns the registry identity the route forwards to.
func (r Route) ServiceKey() string {
	return registry.Key(r.Namespace, r.Service)
}

// FindRoute returns the first declared route covering path and method.
func FindRoute(routes []Route, path, method string) (Route, bool) {
	for _, r := range routes {
		if r.Matches(path, method) {
			return r, true
		}
	}
	return Route{}, false
}

func matchPath(path, pattern string) bool {
	if pattern == path {
		return true
	}
	if strings.HasSuffix(pattern, "/") && strings.HasPrefix(path, pattern) {
		return true
	}
	if strings.HasSuffix(pattern, "/*") {
		stem := strings.TrimSuffix(pattern, "/*")
		return path == stem || strings.HasPrefix(path, stem+"/")
	}
	return false
}

func matchMethod(method string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, m := range allowed {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// RoutesFile is the on-disk route table, with an optional static service
// seed for deployments that run without the discovery plane.
type RoutesFile struct {
	Routes   []Route                `json:"routes"`
	Services []registry.ServiceInfo `json:"services,omitempty"`
}

// LoadRoutesFile reads and validates a routes file.
func LoadRoutesFile(path string) (*RoutesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routes file %q: %w", path, err)
	}
	file, err := ParseRoutesFile(data)
	if err != nil {
		return nil, fmt.Errorf("invalid routes file %q: %w", path, err)
	}
	return file, nil
}

// ParseRoutesFile unmarshals and validates route declarations.
func ParseRoutesFile(data []byte) (*RoutesFile, error) {
	var file RoutesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal routes: %w", err)
	}
	if err := file.validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

func (f *RoutesFile) validate() error {
	var errs []error

	for i, route := range f.Routes {
		if route.Path == "" || !strings.HasPrefix(route.Path, "/") {
			errs = append(errs, fmt.Errorf("route %d: path %q must start with /", i, route.Path))
		}
		if route.Service == "" {
			errs = append(errs, fmt.Errorf("route %d: service is required", i))
		}
		if route.Namespace == "" {
			errs = append(errs, fmt.Errorf("route %d: namespace is required", i))
		}
	}

	for i, svc := range f.Services {
		if svc.Name == "" || svc.Namespace == "" {
			errs = append(errs, fmt.Errorf("service %d: name and namespace are required", i))
		}
		for j, ep := range svc.Endpoints {
			if ep.IP == "" {
				errs = append(errs, fmt.Errorf("service %d endpoint %d: ip is required", i, j))
			}
			if ep.Port == 0 {
				errs = append(errs, fmt.Errorf("service %d endpoint %d: port must be non-zero", i, j))
			}
		}
	}

	return utilerrors.NewAggregate(errs)
}
