// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the gateway.
//
// # Description
//
// Metrics cover the WebSocket session lifecycle and per-utterance
// streaming work:
//   - Active session gauge (by brand)
//   - Frame counters, inbound and outbound (by type)
//   - Answer chunk and error counters
//   - Stream duration histograms
//
// # Integration
//
// Exposed via the /metrics endpoint. All operations are thread-safe via
// Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "concierge"

const gatewaySubsystem = "gateway"

// ErrorCode categorizes an error for metrics labeling.
type ErrorCode string

const (
	// ErrorCodeMalformedFrame indicates an unparseable or invalid inbound frame.
	ErrorCodeMalformedFrame ErrorCode = "malformed_frame"

	// ErrorCodeBackendFailure indicates the LLM backend failed or timed out.
	ErrorCodeBackendFailure ErrorCode = "backend_failure"

	// ErrorCodeBrandUnavailable indicates a connect against an unknown or
	// inactive brand.
	ErrorCodeBrandUnavailable ErrorCode = "brand_unavailable"

	// ErrorCodeRateLimited indicates a session exceeded its chat rate.
	ErrorCodeRateLimited ErrorCode = "rate_limited"

	// ErrorCodeInternal indicates an unexpected internal failure.
	ErrorCodeInternal ErrorCode = "internal"
)

// GatewayMetrics holds all Prometheus metrics for the streaming gateway.
type GatewayMetrics struct {
	// ActiveSessions tracks open WebSocket sessions.
	// Labels: brand
	ActiveSessions *prometheus.GaugeVec

	// FramesTotal counts frames by direction and type.
	// Labels: direction (inbound, outbound), type (chat, ping, chunk, ...)
	FramesTotal *prometheus.CounterVec

	// ChunksTotal counts answer chunks delivered to clients.
	// Labels: brand
	ChunksTotal *prometheus.CounterVec

	// ErrorsTotal counts error frames by code.
	// Labels: brand, error_code
	ErrorsTotal *prometheus.CounterVec

	// StreamDurationSeconds measures per-utterance processing time from
	// dequeue to complete frame.
	// Labels: brand, status (success, error)
	StreamDurationSeconds *prometheus.HistogramVec

	// RecommendationsTotal counts gate decisions.
	// Labels: brand, decision (attached, declined)
	RecommendationsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance. Initialized by InitMetrics().
var DefaultMetrics *GatewayMetrics

// InitMetrics creates and registers all gateway metrics.
//
// # Description
//
// Call once at startup. Panics on a second call (duplicate
// registration with the default Prometheus registry).
func InitMetrics() *GatewayMetrics {
	DefaultMetrics = &GatewayMetrics{
		ActiveSessions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "active_sessions",
				Help:      "Number of currently open WebSocket sessions",
			},
			[]string{"brand"},
		),

		FramesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "frames_total",
				Help:      "Total frames by direction and type",
			},
			[]string{"direction", "type"},
		),

		ChunksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "chunks_total",
				Help:      "Total answer chunks delivered to clients",
			},
			[]string{"brand"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "errors_total",
				Help:      "Total error frames by code",
			},
			[]string{"brand", "error_code"},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Per-utterance processing time in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"brand", "status"},
		),

		RecommendationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "recommendations_total",
				Help:      "Recommendation gate decisions",
			},
			[]string{"brand", "decision"},
		),
	}

	return DefaultMetrics
}

// SessionStarted increments the active session gauge.
func (m *GatewayMetrics) SessionStarted(brand string) {
	m.ActiveSessions.WithLabelValues(brand).Inc()
}

// SessionEnded decrements the active session gauge.
func (m *GatewayMetrics) SessionEnded(brand string) {
	m.ActiveSessions.WithLabelValues(brand).Dec()
}

// RecordInboundFrame counts one frame received from a client.
func (m *GatewayMetrics) RecordInboundFrame(frameType string) {
	m.FramesTotal.WithLabelValues("inbound", frameType).Inc()
}

// RecordOutboundFrame counts one frame sent to a client.
func (m *GatewayMetrics) RecordOutboundFrame(frameType string) {
	m.FramesTotal.WithLabelValues("outbound", frameType).Inc()
}

// RecordChunk counts one delivered answer chunk.
func (m *GatewayMetrics) RecordChunk(brand string) {
	m.ChunksTotal.WithLabelValues(brand).Inc()
}

// RecordError counts one error frame.
func (m *GatewayMetrics) RecordError(brand string, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(brand, string(code)).Inc()
}

// RecordStreamDuration records one utterance's processing time.
func (m *GatewayMetrics) RecordStreamDuration(brand string, seconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.StreamDurationSeconds.WithLabelValues(brand, status).Observe(seconds)
}

// RecordRecommendation records a gate decision.
func (m *GatewayMetrics) RecordRecommendation(brand string, attached bool) {
	decision := "attached"
	if !attached {
		decision = "declined"
	}
	m.RecommendationsTotal.WithLabelValues(brand, decision).Inc()
}
