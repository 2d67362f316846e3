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

// Package tracing implements W3C trace context propagation for the
// data plane. Requests that arrive with a valid traceparent header stay
// on their trace; every forwarded hop gets a fresh span id.
package tracing

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

const (
	// TraceParentHeader is the W3C trace context header, as defined by
	// https://www.w3.org/TR/trace-context/.
	TraceParentHeader = "Traceparent"
	// TraceIDHeader echoes the trace id back to the client.
	TraceIDHeader = "X-Trace-Id"

	// Version is the only traceparent version the router accepts.
	Version = "00"
	// SampledFlags marks traces started by the router as sampled.
	SampledFlags = "01"

	traceIDLength = 32
	spanIDLength  = 16
	flagsLength   = 2
)

// TraceContext is one parsed traceparent value.
type TraceContext struct {
	TraceID string
	SpanID  string
	Flags   string
}

// Parse validates a traceparent header value. It accepts only version 00
// with lowercase hex identifiers, and rejects all-zero trace or span ids
// as the W3C spec requires. The second return reports whether the value
// was usable.
func Parse(header string) (TraceContext, bool) {
	parts := strings.Split(header, "-")
	if len(parts) != 4 {
		return TraceContext{}, false
	}
	if parts[0] != Version {
		return TraceContext{}, false
	}
	if !isLowerHex(parts[1], traceIDLength) || !isLowerHex(parts[2], spanIDLength) || !isLowerHex(parts[3], flagsLength) {
		return TraceContext{}, false
	}
	if allZero(parts[1]) || allZero(parts[2]) {
		return TraceContext{}, false
	}
	return TraceContext{TraceID: parts[1], SpanID: parts[2], Flags: parts[3]}, true
}

// Format renders the context as a traceparent header value.
func (t TraceContext) Format() string {
	return Version + "-" + t.TraceID + "-" + t.SpanID + "-" + t.Flags
}

// Child keeps the trace id and flags and mints a new span id for the
// next hop.
func (t TraceContext) Child() TraceContext {
	t.SpanID = newID(spanIDLength)
	return t
}

// New starts a trace with random identifiers.
func New() TraceContext {
	return TraceContext{
		TraceID: newID(traceIDLength),
		SpanID:  newID(spanIDLength),
		Flags:   SampledFlags,
	}
}

func newID(hexLength int) string {
	b := make([]byte, hexLength/2)
	if _, err := rand.Read(b); err != nil {
		// Only reachable when the platform entropy source is broken.
		panic(err)
	}
	return hex.EncodeToString(b)
}

func isLowerHex(s string, length int) bool {
	if len(s) != length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func allZero(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] != '0' {
			return false
		}
	}
	return true
}
