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

package tracing

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/datum-net/router/pkg/logging"
	"github.com/datum-net/router/pkg/middleware"
)

type traceMiddleware struct {
	middleware.Base
}

// NewMiddleware returns the chain hook that establishes a trace context
// for every request. It runs before the logging middleware so request
// logs carry the trace id.
func NewMiddleware() middleware.Middleware {
	return &traceMiddleware{}
}

func (t *traceMiddleware) Name() string { return "tracing" }

func (t *traceMiddleware) OnRequest(ctx context.Context, mctx *middleware.Context) error {
	logger := logging.WithMiddleware(klog.FromContext(ctx), t.Name())

	tc, ok := Parse(mctx.RequestHeader.Get(TraceParentHeader))
	if ok {
		tc = tc.Child()
		logger.V(4).Info("continuing inbound trace", logging.TraceIDKey, tc.TraceID)
	} else {
		tc = New()
		logger.V(4).Info("starting new trace", logging.TraceIDKey, tc.TraceID)
	}

	mctx.Set(middleware.MetaTraceID, tc.TraceID)
	mctx.Set(middleware.MetaSpanID, tc.SpanID)
	mctx.Set(middleware.MetaTraceParent, tc.Format())
	return nil
}
