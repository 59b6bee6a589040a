// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package metrics exports relay session metrics to prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dotandev/tokensign/internal/eventbus"
)

// Metrics holds the relay collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	sessionsOpened  prometheus.Counter
	sessionsActive  prometheus.Gauge
	sessionsClosed  *prometheus.CounterVec
	sessionDuration prometheus.Histogram
	attachRejected  prometheus.Counter
	rateLimited     prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokensign_relay_sessions_opened_total",
			Help: "Number of front-end sessions opened.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tokensign_relay_sessions_open",
			Help: "Number of sessions currently registered.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokensign_relay_sessions_closed_total",
			Help: "Number of sessions torn down, by reason.",
		}, []string{"reason"}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tokensign_relay_session_duration_seconds",
			Help:    "Lifetime of closed sessions.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300},
		}),
		attachRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokensign_relay_attach_rejected_total",
			Help: "Number of backend attach attempts that were refused.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokensign_relay_rate_limited_total",
			Help: "Number of session opens refused by the rate limiter.",
		}),
	}

	m.registry.MustRegister(
		m.sessionsOpened,
		m.sessionsActive,
		m.sessionsClosed,
		m.sessionDuration,
		m.attachRejected,
		m.rateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Subscribe feeds the collectors from session lifecycle events.
func (m *Metrics) Subscribe(bus *eventbus.EventBus) {
	bus.SubscribeSession(eventbus.TopicSessionOpened, func(eventbus.SessionEvent) {
		m.sessionsOpened.Inc()
		m.sessionsActive.Inc()
	})
	bus.SubscribeSession(eventbus.TopicSessionClosed, func(ev eventbus.SessionEvent) {
		m.sessionsActive.Dec()
		m.sessionsClosed.WithLabelValues(ev.Reason).Inc()
		m.sessionDuration.Observe(ev.Duration.Seconds())
	})
	bus.SubscribeSession(eventbus.TopicSessionRejected, func(eventbus.SessionEvent) {
		m.attachRejected.Inc()
	})
}

// RateLimited counts one refused session open.
func (m *Metrics) RateLimited() {
	m.rateLimited.Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
