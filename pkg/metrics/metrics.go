// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the gateway.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "idtranslator"

// Metrics holds all Prometheus metrics of the gateway.
type Metrics struct {
	// Downstream session metrics
	ActiveSessions  *prometheus.GaugeVec
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec

	// Downstream envelope metrics
	EnvelopesTotal   *prometheus.CounterVec
	EnvelopeDuration *prometheus.HistogramVec
	EnvelopeSize     *prometheus.HistogramVec

	// Upstream metrics
	UpstreamConnects        *prometheus.CounterVec
	UpstreamPublishes       *prometheus.CounterVec
	UpstreamPublishDuration *prometheus.HistogramVec
	UpstreamMessages        *prometheus.CounterVec
	DroppedMessages         *prometheus.CounterVec
	TokenRenewals           *prometheus.CounterVec

	// Gateway state
	GatewayState      prometheus.Gauge
	RegisteredDevices prometheus.Gauge
	PendingRequests   prometheus.Gauge

	// Provisioning metrics
	Provisioning         *prometheus.CounterVec
	ProvisioningDuration prometheus.Histogram

	// Circuit breaker metrics
	CircuitBreakerState prometheus.Gauge
	CircuitBreakerTrips prometheus.Counter

	// Rate limiter metrics
	RateLimitedPublishes *prometheus.CounterVec
}

// New registers the gateway metrics with reg.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of currently open downstream sessions",
			},
			[]string{"protocol"},
		),
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of downstream sessions",
			},
			[]string{"protocol", "status"},
		),
		SessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Downstream session duration in seconds",
				Buckets:   []float64{.1, 1, 10, 60, 300, 900, 3600, 14400, 86400},
			},
			[]string{"protocol"},
		),
		EnvelopesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "envelopes_total",
				Help:      "Total number of downstream envelopes handled",
			},
			[]string{"protocol", "type", "status"},
		),
		EnvelopeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "envelope_duration_seconds",
				Help:      "Downstream envelope handling duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"protocol", "type"},
		),
		EnvelopeSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "envelope_size_bytes",
				Help:      "Downstream envelope size in bytes",
				Buckets:   []float64{64, 256, 1024, 4096, 16384, 65536, 262144},
			},
			[]string{"protocol"},
		),
		UpstreamConnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_connects_total",
				Help:      "Total number of upstream connection attempts",
			},
			[]string{"status"},
		),
		UpstreamPublishes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_publishes_total",
				Help:      "Total number of upstream publishes",
			},
			[]string{"kind", "status"},
		),
		UpstreamPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_publish_duration_seconds",
				Help:      "Upstream publish duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		UpstreamMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_messages_total",
				Help:      "Total number of hub messages routed",
			},
			[]string{"kind"},
		),
		DroppedMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_messages_total",
				Help:      "Total number of hub messages dropped",
			},
			[]string{"reason"},
		),
		TokenRenewals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_renewals_total",
				Help:      "Total number of SAS token renewal events",
			},
			[]string{"event"},
		),
		GatewayState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gateway_state",
				Help:      "Gateway state (0=disconnected, 1=connecting, 2=awaiting_module_twin, 3=ready)",
			},
		),
		RegisteredDevices: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registered_devices",
				Help:      "Number of registered downstream devices",
			},
		),
		PendingRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_requests",
				Help:      "Number of twin requests awaiting a response",
			},
		),
		Provisioning: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisioning_total",
				Help:      "Total number of device provisioning attempts",
			},
			[]string{"status"},
		),
		ProvisioningDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provisioning_duration_seconds",
				Help:      "Device provisioning duration in seconds",
				Buckets:   []float64{.1, .5, 1, 2, 5, 10, 30, 60},
			},
		),
		CircuitBreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Upstream circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
		),
		CircuitBreakerTrips: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of upstream circuit breaker trips",
			},
		),
		RateLimitedPublishes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_publishes_total",
				Help:      "Total number of publishes refused by the per-device limiter",
			},
			[]string{"kind"},
		),
	}
}

// ObserveSession tracks a downstream session lifecycle.
func (m *Metrics) ObserveSession(protocol string, f func() error) error {
	m.ActiveSessions.WithLabelValues(protocol).Inc()
	defer m.ActiveSessions.WithLabelValues(protocol).Dec()

	start := time.Now()
	defer func() {
		m.SessionDuration.WithLabelValues(protocol).Observe(time.Since(start).Seconds())
	}()

	err := f()
	m.SessionsTotal.WithLabelValues(protocol, status(err)).Inc()

	return err
}

// ObserveEnvelope tracks the handling of one downstream envelope.
func (m *Metrics) ObserveEnvelope(protocol, envelopeType string, f func() error) error {
	start := time.Now()

	err := f()

	m.EnvelopesTotal.WithLabelValues(protocol, envelopeType, status(err)).Inc()
	m.EnvelopeDuration.WithLabelValues(protocol, envelopeType).Observe(time.Since(start).Seconds())

	return err
}

// ObservePublish tracks one upstream publish.
func (m *Metrics) ObservePublish(kind string, f func() error) error {
	start := time.Now()

	err := f()

	m.UpstreamPublishes.WithLabelValues(kind, status(err)).Inc()
	m.UpstreamPublishDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	return err
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
