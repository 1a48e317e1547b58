/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for the editor bridge.
//
// Metrics live on a private registry owned by the bridge instance, so several
// bridges (for example in tests) never collide on registration.
//
// Metric naming follows Prometheus conventions:
//   - editorbridge_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for tool invocations.
const (
	OutcomeSuccess      = "success"
	OutcomeRemoteError  = "remote_error"
	OutcomeTimeout      = "timeout"
	OutcomeDisconnected = "disconnected"
	OutcomeNotConnected = "not_connected"
	OutcomeCanceled     = "canceled"
	OutcomeSendError    = "send_error"
)

// StateSource exposes live bridge counters sampled at scrape time.
type StateSource interface {
	PendingRequests() int
	QueuedResources() int
	ObserverCount() int
	Connected() bool
}

// Metrics holds every collector the bridge records into.
type Metrics struct {
	registry *prometheus.Registry

	// ToolInvocationsTotal counts invocations by tool and outcome.
	ToolInvocationsTotal *prometheus.CounterVec
	// ToolDurationSeconds is a histogram of invocation round-trip time by tool.
	ToolDurationSeconds *prometheus.HistogramVec
	// EditorConnectionsTotal counts accepted authoritative editor connections.
	EditorConnectionsTotal prometheus.Counter
	// EditorRejectionsTotal counts editors refused because one was already connected.
	EditorRejectionsTotal prometheus.Counter
	// MalformedFramesTotal counts inbound editor frames that were ignored.
	MalformedFramesTotal *prometheus.CounterVec
	// BroadcastsTotal counts observer broadcasts.
	BroadcastsTotal prometheus.Counter
}

// New creates a Metrics set registered on a fresh registry. When state is
// non-nil, gauges for pending requests, queued resources, observers and the
// connection flag are sampled from it on every scrape.
func New(state StateSource) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ToolInvocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "editorbridge_tool_invocations_total",
				Help: "Total tool invocations by tool and outcome.",
			},
			[]string{"tool", "outcome"},
		),
		ToolDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "editorbridge_tool_duration_seconds",
				Help:    "Round-trip duration of tool invocations in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		EditorConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "editorbridge_editor_connections_total",
			Help: "Total authoritative editor connections accepted.",
		}),
		EditorRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "editorbridge_editor_rejections_total",
			Help: "Total editor connections refused because another editor was connected.",
		}),
		MalformedFramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "editorbridge_malformed_frames_total",
				Help: "Total inbound editor frames ignored, by reason.",
			},
			[]string{"reason"},
		),
		BroadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "editorbridge_observer_broadcasts_total",
			Help: "Total messages broadcast to observers.",
		}),
	}

	m.registry.MustRegister(
		m.ToolInvocationsTotal,
		m.ToolDurationSeconds,
		m.EditorConnectionsTotal,
		m.EditorRejectionsTotal,
		m.MalformedFramesTotal,
		m.BroadcastsTotal,
		collectors.NewGoCollector(),
	)

	if state != nil {
		m.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "editorbridge_pending_requests",
				Help: "Tool invocations waiting for an editor response.",
			}, func() float64 { return float64(state.PendingRequests()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "editorbridge_queued_resources",
				Help: "Resource keys with queued or running invocations.",
			}, func() float64 { return float64(state.QueuedResources()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "editorbridge_observer_connections",
				Help: "Open observer connections.",
			}, func() float64 { return float64(state.ObserverCount()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "editorbridge_editor_connected",
				Help: "1 when an authoritative editor connection is open.",
			}, func() float64 {
				if state.Connected() {
					return 1
				}
				return 0
			}),
		)
	}

	return m
}

// Registry returns the registry backing this Metrics set.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordInvocation records a finished tool invocation.
func (m *Metrics) RecordInvocation(tool, outcome string, duration time.Duration) {
	m.ToolInvocationsTotal.WithLabelValues(tool, outcome).Inc()
	m.ToolDurationSeconds.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordMalformedFrame records an ignored inbound frame.
func (m *Metrics) RecordMalformedFrame(reason string) {
	m.MalformedFramesTotal.WithLabelValues(reason).Inc()
}
