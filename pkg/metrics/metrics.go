// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for pkg/transport:
// peer lifecycle, message counts by CoAP type, keepalive activity, and
// the per-peer circuit breaker / rate limiter states.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the transport updates.
type Metrics struct {
	ActivePeers    prometheus.Gauge
	PeersTotal     *prometheus.CounterVec // status: ready|setup_failed|cancelled|failed
	MessagesSent   *prometheus.CounterVec // type: CON|NON|ACK|RST
	MessagesRecv   *prometheus.CounterVec // type: CON|NON|ACK|RST
	KeepalivePings *prometheus.CounterVec // endpoint
	PingTimeouts   *prometheus.CounterVec // endpoint
	CircuitState   *prometheus.GaugeVec   // endpoint; 0=closed,1=half_open,2=open
	RateLimited    *prometheus.CounterVec // endpoint
	SendDuration   prometheus.Histogram
}

// New creates and registers a Metrics instance under namespace (default
// "coap_transport").
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "coap_transport"
	}

	return &Metrics{
		ActivePeers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_peers",
			Help:      "Number of peers currently registered in the connection registry",
		}),
		PeersTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_total",
			Help:      "Total peer connections by terminal status",
		}, []string{"status"}),
		MessagesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total messages written by Facade.Send, by CoAP type",
		}, []string{"type"}),
		MessagesRecv: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total received messages delivered to a delegate, by CoAP type",
		}, []string{"type"}),
		KeepalivePings: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalive_pings_total",
			Help:      "Total empty CON keepalive probes sent, by peer endpoint",
		}, []string{"endpoint"}),
		PingTimeouts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ping_timeouts_total",
			Help:      "Total keepalive timeouts detected, by peer endpoint",
		}, []string{"endpoint"}),
		CircuitState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per peer endpoint (0=closed, 1=half_open, 2=open)",
		}, []string{"endpoint"}),
		RateLimited: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Total sends rejected by the per-peer rate limiter",
		}, []string{"endpoint"}),
		SendDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Time spent writing a Facade.Send datagram, excluding connection setup",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// ObserveSend times a Send call and records its outcome.
func (m *Metrics) ObserveSend(msgType string, f func() error) error {
	start := time.Now()
	err := f()
	m.SendDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		return err
	}
	m.MessagesSent.WithLabelValues(msgType).Inc()
	return nil
}
