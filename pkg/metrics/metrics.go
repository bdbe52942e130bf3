/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package metrics exposes the gateway's Prometheus instrumentation. All
// observation methods accept a nil receiver so that components can be used
// without metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/divvy/fabric-gateway/pkg/common/errors/status"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "divvy"

// Metrics holds the gateway collectors on a dedicated registry
type Metrics struct {
	registry *prometheus.Registry

	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	caRequests        *prometheus.CounterVec
	ledgerQueries     *prometheus.CounterVec
	discoveryFailures prometheus.Counter
}

// New creates and registers the collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route and status code.",
		}, []string{"route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		caRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ca_requests_total",
			Help:      "Certificate authority round trips, by operation and outcome.",
		}, []string{"op", "outcome"}),
		ledgerQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_queries_total",
			Help:      "Contract evaluations, by method and outcome.",
		}, []string{"method", "outcome"}),
		discoveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_endpoint_failures_total",
			Help:      "Endpoints that failed to report their channels during discovery.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.caRequests,
		m.ledgerQueries,
		m.discoveryFailures,
	)
	return m
}

// Registry returns the registry holding the collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records a served request
func (m *Metrics) ObserveHTTP(route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// ObserveCA records a certificate authority round trip
func (m *Metrics) ObserveCA(op string, err error) {
	if m == nil {
		return
	}
	m.caRequests.WithLabelValues(op, Outcome(err)).Inc()
}

// ObserveQuery records a contract evaluation
func (m *Metrics) ObserveQuery(method string, err error) {
	if m == nil {
		return
	}
	m.ledgerQueries.WithLabelValues(method, Outcome(err)).Inc()
}

// DiscoveryEndpointFailed counts an endpoint that could not list its channels
func (m *Metrics) DiscoveryEndpointFailed() {
	if m == nil {
		return
	}
	m.discoveryFailures.Inc()
}

// Outcome is the label value recorded for err
func Outcome(err error) string {
	return status.CodeOf(err).String()
}
