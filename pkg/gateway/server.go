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
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/klog/v2"
)

// gracefulDrainTimeout bounds how long in-flight requests may take to
// finish once shutdown begins.
const gracefulDrainTimeout = 60 * time.Second

type Server struct {
	CompletedConfig

	handler http.Handler
	mux     *http.ServeMux

	lock       sync.Mutex
	listenAddr string
}

func NewServer(c CompletedConfig) (*Server, error) {
	return &Server{
		CompletedConfig: c,
		handler:         NewHandler(c),
	}, nil
}

type preparedServer struct {
	*Server
}

// PrepareRun wires the admin endpoints around the proxy handler. Admin
// paths shadow routes with the same prefix.
func (s *Server) PrepareRun(ctx context.Context) (preparedServer, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("/metrics", s.Metrics.Handler())
	mux.Handle("/", s.handler)
	s.mux = mux

	klog.FromContext(ctx).V(2).Info("prepared server handlers", "adminPaths", []string{"/healthz", "/metrics"})
	return preparedServer{s}, nil
}

func (s preparedServer) Run(ctx context.Context) error {
	logger := klog.FromContext(ctx).WithValues("component", "gateway")
	ctx = klog.NewContext(ctx, logger)

	go func() {
		defer utilruntime.HandleCrash()
		s.Monitor.Run(ctx)
	}()

	ln, err := net.Listen("tcp", s.Options.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %q: %w", s.Options.ListenAddress, err)
	}
	s.setListenAddr(ln.Addr().String())

	server := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 30 * time.Second,
		TLSConfig:         s.ServerTLS,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		defer utilruntime.HandleCrash()
		if s.ServerTLS != nil {
			errCh <- server.ServeTLS(ln, "", "")
		} else {
			errCh <- server.Serve(ln)
		}
	}()

	logger.Info("serving", "address", ln.Addr().String(), "tls", s.ServerTLS != nil, "routes", len(s.Routes))

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("draining connections before shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulDrainTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to drain connections: %w", err)
	}
	return nil
}

// ListenAddr reports the bound address once Run has started listening,
// which matters when the configured address asked for port 0.
func (s *Server) ListenAddr() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.listenAddr
}

func (s *Server) setListenAddr(addr string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.listenAddr = addr
}
