// Copyright (c) LogRelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the netstream driver.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the driver.
type Metrics struct {
	// Session metrics
	ActiveSessions  *prometheus.GaugeVec
	SessionsTotal   *prometheus.CounterVec
	AbortedSessions *prometheus.CounterVec

	// Handshake metrics
	Handshakes        *prometheus.CounterVec
	HandshakeDuration *prometheus.HistogramVec

	// Auth metrics
	AuthAttempts *prometheus.CounterVec
	AuthFailures *prometheus.CounterVec

	// Traffic metrics
	BytesSent     *prometheus.CounterVec
	BytesReceived *prometheus.CounterVec
}

// New creates a new Metrics instance with all counters, gauges, and histograms.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "netstream"
	}

	return &Metrics{
		ActiveSessions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of currently active sessions",
			},
			[]string{"mode"},
		),
		SessionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of sessions",
			},
			[]string{"mode", "role"},
		),
		AbortedSessions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "aborted_sessions_total",
				Help:      "Total number of locally aborted sessions",
			},
			[]string{"mode"},
		),
		Handshakes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshakes_total",
				Help:      "Total number of completed TLS handshake attempts",
			},
			[]string{"role", "outcome"},
		),
		HandshakeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handshake_duration_seconds",
				Help:      "TLS handshake duration in seconds",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"role"},
		),
		AuthAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_attempts_total",
				Help:      "Total number of peer authentication attempts",
			},
			[]string{"method"},
		),
		AuthFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Total number of peer authentication failures",
			},
			[]string{"method", "reason"},
		),
		BytesSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_sent_total",
				Help:      "Total application bytes sent",
			},
			[]string{"mode"},
		),
		BytesReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_received_total",
				Help:      "Total application bytes received",
			},
			[]string{"mode"},
		),
	}
}

// ObserveHandshake records one terminal handshake outcome.
func (m *Metrics) ObserveHandshake(role string, seconds float64, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.Handshakes.WithLabelValues(role, outcome).Inc()
	m.HandshakeDuration.WithLabelValues(role).Observe(seconds)
}

// ObserveAuth records one peer authentication attempt.
func (m *Metrics) ObserveAuth(method, reason string) {
	m.AuthAttempts.WithLabelValues(method).Inc()
	if reason != "" {
		m.AuthFailures.WithLabelValues(method, reason).Inc()
	}
}
