// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the halo service.
//
// Exposed via /metrics. All metric operations are thread-safe via
// Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "lattice"
	haloSubsystem    = "halo"
)

// Metrics holds all Prometheus metrics for halo request handling.
type Metrics struct {
	// RequestsTotal counts requests by endpoint and status code class.
	// Labels: endpoint (meta, lookup, batch), status (200, 400, 404, 409).
	RequestsTotal *prometheus.CounterVec

	// LookupLatencySeconds measures lookup handling time.
	// Labels: endpoint (lookup, batch).
	LookupLatencySeconds *prometheus.HistogramVec

	// CollisionLookupsTotal counts lookups that hit a colliding address
	// (more than one canonical identity behind the hash8).
	CollisionLookupsTotal prometheus.Counter

	// OverlayEntries tracks the number of applied overlay entries in the
	// currently served cascade.
	OverlayEntries prometheus.Gauge
}

// NewMetrics registers halo metrics on the given registerer. Tests pass a
// fresh registry to avoid duplicate registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: haloSubsystem,
				Name:      "requests_total",
				Help:      "Total halo requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		LookupLatencySeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: haloSubsystem,
				Name:      "lookup_latency_seconds",
				Help:      "Lookup handling latency in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
			},
			[]string{"endpoint"},
		),
		CollisionLookupsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: haloSubsystem,
				Name:      "collision_lookups_total",
				Help:      "Lookups whose address resolves to more than one identity",
			},
		),
		OverlayEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: haloSubsystem,
				Name:      "overlay_entries",
				Help:      "Applied overlay entries in the served cascade",
			},
		),
	}
}

// RecordRequest records one completed request.
func (m *Metrics) RecordRequest(endpoint, status string) {
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
}

// ObserveLatency records handling time for a lookup-class endpoint.
func (m *Metrics) ObserveLatency(endpoint string, seconds float64) {
	m.LookupLatencySeconds.WithLabelValues(endpoint).Observe(seconds)
}
