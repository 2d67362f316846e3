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

	"github.com/google/uuid"
)

// RequestIDHeader is the inbound header whose id is honored when present.
const RequestIDHeader = "X-Request-Id"

type requestIDMiddleware struct {
	Base
}

// NewRequestID returns the middleware that assigns each request a
// correlation id, reusing the client's X-Request-Id when it sent one.
func NewRequestID() Middleware {
	return &requestIDMiddleware{}
}

func (r *requestIDMiddleware) Name() string { return "request-id" }

func (r *requestIDMiddleware) OnRequest(_ context.Context, mctx *Context) error {
	id := mctx.RequestHeader.Get(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	mctx.Set(MetaRequestID, id)
	return nil
}
