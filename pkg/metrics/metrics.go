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

// Package metrics exposes the data-plane request metrics. The collector
// owns a private Prometheus registry so the router's metrics stay
// separate from anything a linked library registers globally.
package metrics

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// Collector holds the HTTP request metrics for one gateway.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	responsesTotal  *prometheus.CounterVec
	errorsTotal     prometheus.Counter
	requestDuration *prometheus.HistogramVec
	requestSize     *prometheus.HistogramVec
	responseSize    *prometheus.HistogramVec
}

// NewCollector builds and registers the full metric set.
func NewCollector() (*Collector, error) {
	sizeBuckets := prometheus.ExponentialBuckets(64, 4, 8)

	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests.",
		}, []string{"method", "path"}),
		responsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_responses_total",
			Help: "Total HTTP responses by status.",
		}, []string{"status"}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total HTTP errors.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		requestSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_size_bytes",
			Help:    "HTTP request size in bytes.",
			Buckets: sizeBuckets,
		}, []string{"method"}),
		responseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "HTTP response size in bytes.",
			Buckets: sizeBuckets,
		}, []string{"status"}),
	}

	for _, collector := range []prometheus.Collector{
		c.requestsTotal,
		c.responsesTotal,
		c.errorsTotal,
		c.requestDuration,
		c.requestSize,
		c.responseSize,
	} {
		if err := c.registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// IncRequest counts one received request.
func (c *Collector) IncRequest(method, path string) {
	c.requestsTotal.WithLabelValues(method, path).Inc()
}

// IncResponse counts one response by status code.
func (c *Collector) IncResponse(status int) {
	c.responsesTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

// IncError counts one failed request.
func (c *Collector) IncError() {
	c.errorsTotal.Inc()
}

// ObserveDuration records one request latency in seconds.
func (c *Collector) ObserveDuration(method, path string, seconds float64) {
	c.requestDuration.WithLabelValues(method, path).Observe(seconds)
}

// ObserveRequestSize records one request body size.
func (c *Collector) ObserveRequestSize(method string, bytes float64) {
	c.requestSize.WithLabelValues(method).Observe(bytes)
}

// ObserveResponseSize records one response body size.
func (c *Collector) ObserveResponseSize(status int, bytes float64) {
	c.responseSize.WithLabelValues(strconv.Itoa(status)).Observe(bytes)
}

// Handler serves the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Gather renders the current metrics as text exposition, for tests and
// programmatic scrapes.
func (c *Collector) Gather() (string, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, family := range families {
		if err := enc.Encode(family); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}
