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

package metrics

import (
	"context"
	"time"

	"github.com/datum-net/router/pkg/middleware"
)

// metaStart is scoped to this middleware so its latency clock stays
// independent from the logging middleware's.
const metaStart = "metrics-start-time"

type metricsMiddleware struct {
	middleware.Base
	collector *Collector
}

// Middleware returns the chain hook that feeds the collector.
func Middleware(c *Collector) middleware.Middleware {
	return &metricsMiddleware{collector: c}
}

func (m *metricsMiddleware) Name() string { return "metrics" }

func (m *metricsMiddleware) OnRequest(_ context.Context, mctx *middleware.Context) error {
	m.collector.IncRequest(mctx.Method, mctx.Path)
	mctx.Set(metaStart, time.Now().Format(time.RFC3339Nano))
	return nil
}

func (m *metricsMiddleware) OnResponse(_ context.Context, mctx *middleware.Context, status int) error {
	m.collector.IncResponse(status)

	if stamp, ok := mctx.Get(metaStart); ok {
		if start, err := time.Parse(time.RFC3339Nano, stamp); err == nil {
			m.collector.ObserveDuration(mctx.Method, mctx.Path, time.Since(start).Seconds())
		}
	}
	return nil
}

func (m *metricsMiddleware) OnError(_ context.Context, _ *middleware.Context, _ string) error {
	m.collector.IncError()
	return nil
}
