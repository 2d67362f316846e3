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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRouteMatchesPath(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		path    string
		want    bool
	}{
		{"exact match", "/api/users", "/api/users", true},
		{"exact rejects trailing slash", "/api/users", "/api/users/", false},
		{"exact rejects subpath", "/api/users", "/api/users/42", false},
		{"trailing slash matches itself", "/api/", "/api/", true},
		{"trailing slash matches children", "/api/", "/api/users", true},
		{"trailing slash rejects bare stem", "/api/", "/api", false},
		{"root matches everything", "/", "/some/deep/path", true},
		{"wildcard matches stem", "/api/*", "/api", true},
		{"wildcard matches child", "/api/*", "/api/users", true},
		{"wildcard matches deep path", "/api/*", "/api/users/42/orders", true},
		{"wildcard rejects sibling prefix", "/api/*", "/apiv2/users", false},
		{"unrelated path", "/api/users", "/health", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route := Route{Path: tt.pattern, Service: "svc", Namespace: "ns"}
			require.Equal(t, tt.want, route.Matches(tt.path, "GET"))
		})
	}
}

func TestRouteMatchesMethod(t *testing.T) {
	tests := []struct {
		name    string
		methods []string
		method  string
		want    bool
	}{
		{"empty list admits GET", nil, "GET", true},
		{"empty list admits DELETE", nil, "DELETE", true},
		{"listed method", []string{"GET", "POST"}, "POST", true},
		{"case insensitive", []string{"get"}, "GET", true},
		{"unlisted method", []string{"GET"}, "DELETE", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route := Route{Path: "/api", Service: "svc", Namespace: "ns", Methods: tt.methods}
			require.Equal(t, tt.want, route.Matches("/api", tt.method))
		})
	}
}

func TestFindRouteFirstDeclaredWins(t *testing.T) {
	routes := []Route{
		{Path: "/api/*", Service: "broad", Namespace: "default"},
		{Path: "/api/users", Service: "narrow", Namespace: "default"},
	}

	route, ok := FindRoute(routes, "/api/users", "GET")
	require.True(t, ok)
	require.Equal(t, "broad", route.Service)

	// Declaration order decides, so the narrow route wins when listed first.
	route, ok = FindRoute([]Route{routes[1], routes[0]}, "/api/users", "GET")
	require.True(t, ok)
	require.Equal(t, "narrow", route.Service)
}

func TestFindRouteNoMatch(t *testing.T) {
	routes := []Route{
		{Path: "/api/users", Service: "users", Namespace: "default", Methods: []string{"GET"}},
	}

	_, ok := FindRoute(routes, "/health", "GET")
	require.False(t, ok)

	// Path matches but the method does not.
	_, ok = FindRoute(routes, "/api/users", "DELETE")
	require.False(t, ok)
}

func TestRouteServiceKey(t *testing.T) {
	route := Route{Path: "/api", Service: "users", Namespace: "prod"}
	require.Equal(t, "prod/users", route.ServiceKey())
}

func TestParseRoutesFile(t *testing.T) {
	data := []byte(`
routes:
  - path: /api/users/*
    service: users
    namespace: prod
    methods: ["GET", "POST"]
  - path: /health
    service: probes
    namespace: system
services:
  - name: users
    namespace: prod
    clusterId: us-east-1
    endpoints:
      - ip: 10.0.0.1
        port: 8080
        ready: true
      - ip: 10.0.0.2
        port: 8080
        ready: false
`)

	file, err := ParseRoutesFile(data)
	require.NoError(t, err)
	require.Len(t, file.Routes, 2)
	require.Equal(t, "/api/users/*", file.Routes[0].Path)
	require.Equal(t, []string{"GET", "POST"}, file.Routes[0].Methods)
	require.Empty(t, file.Routes[1].Methods)

	require.Len(t, file.Services, 1)
	svc := file.Services[0]
	require.Equal(t, "prod/users", svc.Key())
	require.Equal(t, "us-east-1", svc.ClusterID)
	require.Len(t, svc.Endpoints, 2)
	require.Equal(t, "10.0.0.1:8080", svc.Endpoints[0].Addr())
	require.True(t, svc.Endpoints[0].Ready)
	require.False(t, svc.Endpoints[1].Ready)
}

func TestParseRoutesFileRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name:    "not yaml",
			data:    "routes: [",
			wantErr: "failed to unmarshal routes",
		},
		{
			name: "path without leading slash",
			data: `
routes:
  - path: users
    service: users
    namespace: prod
`,
			wantErr: `path "users" must start with /`,
		},
		{
			name: "missing service",
			data: `
routes:
  - path: /api
    namespace: prod
`,
			wantErr: "service is required",
		},
		{
			name: "missing namespace",
			data: `
routes:
  - path: /api
    service: users
`,
			wantErr: "namespace is required",
		},
		{
			name: "service without name",
			data: `
routes:
  - path: /api
    service: users
    namespace: prod
services:
  - namespace: prod
`,
			wantErr: "name and namespace are required",
		},
		{
			name: "endpoint without ip",
			data: `
routes:
  - path: /api
    service: users
    namespace: prod
services:
  - name: users
    namespace: prod
    endpoints:
      - port: 8080
`,
			wantErr: "ip is required",
		},
		{
			name: "endpoint without port",
			data: `
routes:
  - path: /api
    service: users
    namespace: prod
services:
  - name: users
    namespace: prod
    endpoints:
      - ip: 10.0.0.1
`,
			wantErr: "port must be non-zero",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRoutesFile([]byte(tt.data))
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadRoutesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	data := []byte(`
routes:
  - path: /api/*
    service: api
    namespace: default
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	file, err := LoadRoutesFile(path)
	require.NoError(t, err)
	require.Len(t, file.Routes, 1)

	_, err = LoadRoutesFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to read routes file")
}
