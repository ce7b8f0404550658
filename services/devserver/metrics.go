// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package devserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "aleutian"
	serverSubsystem  = "devserver"
)

// Metrics holds the server-side collectors.
type Metrics struct {
	// RequestsTotal counts handled API calls.
	// Labels: endpoint, status (success, error)
	RequestsTotal *prometheus.CounterVec

	// LiveSubscribers is the number of open live streams.
	LiveSubscribers prometheus.Gauge

	// LiveMessagesTotal counts relayed room lines.
	// Labels: sender (client, agent)
	LiveMessagesTotal *prometheus.CounterVec

	// LiveDroppedTotal counts events dropped for slow subscribers.
	LiveDroppedTotal prometheus.Counter
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: serverSubsystem,
			Name:      "requests_total",
			Help:      "API requests by endpoint and status.",
		}, []string{"endpoint", "status"}),
		LiveSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: serverSubsystem,
			Name:      "live_subscribers",
			Help:      "Open live room streams.",
		}),
		LiveMessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: serverSubsystem,
			Name:      "live_messages_total",
			Help:      "Live room lines relayed by sender type.",
		}, []string{"sender"}),
		LiveDroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: serverSubsystem,
			Name:      "live_dropped_total",
			Help:      "Live events dropped because a subscriber fell behind.",
		}),
	}
}

func (m *Metrics) request(endpoint string, ok bool) {
	status := "success"
	if !ok {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
}
