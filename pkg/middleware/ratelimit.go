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

	"golang.org/x/time/rate"
)

type rateLimitMiddleware struct {
	Base
	limiter *rate.Limiter
}

// NewRateLimit returns the middleware that gates request admission with a
// token bucket. It only flags over-limit requests in the metadata bag;
// turning the flag into a 429 is the gateway's decision, keeping hooks
// non-fatal.
func NewRateLimit(qps float64, burst int) Middleware {
	return &rateLimitMiddleware{
		limiter: rate.NewLimiter(rate.Limit(qps), burst),
	}
}

func (r *rateLimitMiddleware) Name() string { return "rate-limit" }

func (r *rateLimitMiddleware) OnRequest(_ context.Context, mctx *Context) error {
	if !r.limiter.Allow() {
		mctx.Set(MetaRateLimited, "true")
	}
	return nil
}
