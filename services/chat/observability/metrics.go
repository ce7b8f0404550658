// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the chat engine.
//
// # Description
//
// Metrics cover the streamed turn (requests, first-token latency, duration,
// errors by code), the live room channel (connects, reconnects, discarded
// stale events), debate turns and storage writes.
//
// Every Record method is safe on a nil *Metrics, so components can be
// built without metrics in tests and small tools.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "aleutian"
	chatSubsystem    = "chat"
)

// Transport labels a stream metric with the transport that served it.
type Transport string

const (
	TransportHTTP      Transport = "http"
	TransportWebSocket Transport = "websocket"
)

// Metrics holds the engine's collectors.
type Metrics struct {
	RequestsTotal            *prometheus.CounterVec
	DeltasTotal              prometheus.Counter
	TimeToFirstTokenSeconds  prometheus.Histogram
	StreamDurationSeconds    *prometheus.HistogramVec
	ActiveStreams            prometheus.Gauge
	ErrorsTotal              *prometheus.CounterVec
	TransportFallbacksTotal  prometheus.Counter
	ContextFetchTotal        *prometheus.CounterVec
	LiveConnectsTotal        prometheus.Counter
	LiveReconnectsTotal      prometheus.Counter
	LiveStaleEventsTotal     prometheus.Counter
	DebateTurnsTotal         *prometheus.CounterVec
	StorageWritesTotal       *prometheus.CounterVec
	MemoryExtractionsDropped prometheus.Counter
}

// NewMetrics registers the engine collectors with reg.
//
// # Inputs
//
//   - reg: Registry to register with. Pass prometheus.NewRegistry() in
//     tests to keep them isolated; prometheus.DefaultRegisterer in
//     binaries serving /metrics.
//
// # Outputs
//
//   - *Metrics: Ready to record. Panics if the names are already
//     registered with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: chatSubsystem,
			Name: "requests_total",
			Help: "Chat stream requests by transport and outcome",
		}, []string{"transport", "status"}),

		DeltasTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: chatSubsystem,
			Name: "text_deltas_total",
			Help: "Text deltas received across all streams",
		}),

		TimeToFirstTokenSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: chatSubsystem,
			Name:    "time_to_first_token_seconds",
			Help:    "Time from request start to first text delta",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		}),

		StreamDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: chatSubsystem,
			Name:    "stream_duration_seconds",
			Help:    "Total stream duration",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),

		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: chatSubsystem,
			Name: "active_streams",
			Help: "Streams currently being consumed",
		}),

		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: chatSubsystem,
			Name: "errors_total",
			Help: "Chat transport errors by error code",
		}, []string{"code"}),

		TransportFallbacksTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: chatSubsystem,
			Name: "transport_fallbacks_total",
			Help: "Requests retried over HTTP after the WebSocket transport failed",
		}),

		ContextFetchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: chatSubsystem,
			Name: "context_fetch_total",
			Help: "Auxiliary context fetches by source and outcome",
		}, []string{"source", "status"}),

		LiveConnectsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: chatSubsystem,
			Name: "live_connects_total",
			Help: "Live room connections opened",
		}),

		LiveReconnectsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: chatSubsystem,
			Name: "live_reconnects_total",
			Help: "Live room connection drops followed by a retry",
		}),

		LiveStaleEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: chatSubsystem,
			Name: "live_stale_events_total",
			Help: "Live events discarded because their connection generation was superseded",
		}),

		DebateTurnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: chatSubsystem,
			Name: "debate_turns_total",
			Help: "Debate persona turns by persona and outcome",
		}, []string{"persona", "status"}),

		StorageWritesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: chatSubsystem,
			Name: "storage_writes_total",
			Help: "Local storage writes by kind and outcome",
		}, []string{"kind", "status"}),

		MemoryExtractionsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: chatSubsystem,
			Name: "memory_extractions_dropped_total",
			Help: "Memory extraction calls skipped by the rate limiter",
		}),
	}
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// StreamStarted increments the active stream gauge.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded records one finished stream.
//
// # Inputs
//
//   - transport: Which transport served the stream.
//   - seconds: Total duration.
//   - outcome: "success", "error" or "cancelled".
func (m *Metrics) StreamEnded(transport Transport, seconds float64, outcome string) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	m.RequestsTotal.WithLabelValues(string(transport), outcome).Inc()
	m.StreamDurationSeconds.WithLabelValues(outcome).Observe(seconds)
}

// RecordFirstToken observes first-token latency.
func (m *Metrics) RecordFirstToken(seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstTokenSeconds.Observe(seconds)
}

// RecordDelta counts one text delta.
func (m *Metrics) RecordDelta() {
	if m == nil {
		return
	}
	m.DeltasTotal.Inc()
}

// RecordError counts a transport error by code.
func (m *Metrics) RecordError(code string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(code).Inc()
}

// RecordFallback counts a WebSocket-to-HTTP fallback.
func (m *Metrics) RecordFallback() {
	if m == nil {
		return
	}
	m.TransportFallbacksTotal.Inc()
}

// RecordContextFetch counts one retrieval or memory lookup.
func (m *Metrics) RecordContextFetch(source string, ok bool) {
	if m == nil {
		return
	}
	m.ContextFetchTotal.WithLabelValues(source, status(ok)).Inc()
}

// RecordLiveConnect counts an opened live connection.
func (m *Metrics) RecordLiveConnect() {
	if m == nil {
		return
	}
	m.LiveConnectsTotal.Inc()
}

// RecordLiveReconnect counts a live connection drop.
func (m *Metrics) RecordLiveReconnect() {
	if m == nil {
		return
	}
	m.LiveReconnectsTotal.Inc()
}

// RecordStaleLiveEvent counts a discarded stale event.
func (m *Metrics) RecordStaleLiveEvent() {
	if m == nil {
		return
	}
	m.LiveStaleEventsTotal.Inc()
}

// RecordDebateTurn counts one persona turn.
func (m *Metrics) RecordDebateTurn(persona string, ok bool) {
	if m == nil {
		return
	}
	m.DebateTurnsTotal.WithLabelValues(persona, status(ok)).Inc()
}

// RecordStorageWrite counts a storage write. kind is "messages", "index"
// or "prefs".
func (m *Metrics) RecordStorageWrite(kind string, ok bool) {
	if m == nil {
		return
	}
	m.StorageWritesTotal.WithLabelValues(kind, status(ok)).Inc()
}

// RecordExtractionDropped counts a throttled memory extraction.
func (m *Metrics) RecordExtractionDropped() {
	if m == nil {
		return
	}
	m.MemoryExtractionsDropped.Inc()
}
