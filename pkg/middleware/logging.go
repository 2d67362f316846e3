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

package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2"

	"github.com/datum-net/router/pkg/logging"
)

type loggingMiddleware struct {
	Base
}

// NewLogging returns the middleware that writes the request and response
// log lines, stamping arrival time into the metadata bag for latency.
func NewLogging() Middleware {
	return &loggingMiddleware{}
}

func (l *loggingMiddleware) Name() string { return "logging" }

func (l *loggingMiddleware) OnRequest(ctx context.Context, mctx *Context) error {
	mctx.Set(MetaStartTime, time.Now().Format(time.RFC3339Nano))

	l.logger(ctx, mctx).V(2).Info("request received", "method", mctx.Method, "path", mctx.Path)
	return nil
}

func (l *loggingMiddleware) OnResponse(ctx context.Context, mctx *Context, status int) error {
	logger := l.logger(ctx, mctx).WithValues("method", mctx.Method, "path", mctx.Path, "status", status)
	if started, ok := mctx.Get(MetaStartTime); ok {
		if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
			logger = logger.WithValues("duration", time.Since(ts).String())
		}
	}
	logger.V(2).Info("request completed")
	return nil
}

func (l *loggingMiddleware) OnError(ctx context.Context, mctx *Context, message string) error {
	l.logger(ctx, mctx).Error(errors.New(message), "request failed", "method", mctx.Method, "path", mctx.Path)
	return nil
}

func (l *loggingMiddleware) logger(ctx context.Context, mctx *Context) logr.Logger {
	logger := klog.FromContext(ctx)
	if id, ok := mctx.Get(MetaRequestID); ok {
		logger = logging.WithRequestID(logger, id)
	}
	if traceID, ok := mctx.Get(MetaTraceID); ok {
		logger = logger.WithValues(logging.TraceIDKey, traceID)
	}
	return logger
}
