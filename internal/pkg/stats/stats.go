// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package stats provides the engine's self-monitoring counters.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "traceflow"

// Stats holds the engine's Prometheus collectors. A nil *Stats is valid and
// records nothing.
type Stats struct {
	TracesStarted   prometheus.Counter
	TracesPublished prometheus.Counter
	TracesFiltered  prometheus.Counter
	TracesAborted   prometheus.Counter
	TracesDropped   prometheus.Counter
	ActiveTraces    prometheus.Gauge
	TraceNodes      prometheus.Histogram

	// MetricErrors is labeled by probe and metric.
	MetricErrors *prometheus.CounterVec
	// ListenerErrors is labeled by listener.
	ListenerErrors *prometheus.CounterVec
	// IndexReloads is labeled by result: "ok" or "invalid".
	IndexReloads *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. If reg is nil the
// collectors are created but not registered.
func New(reg prometheus.Registerer) *Stats {
	f := promauto.With(reg)
	return &Stats{
		TracesStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traces_started_total",
			Help:      "Traces started by a traced top-level call.",
		}),
		TracesPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traces_published_total",
			Help:      "Completed traces delivered to listeners.",
		}),
		TracesFiltered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traces_filtered_total",
			Help:      "Completed traces discarded by a filter.",
		}),
		TracesAborted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traces_aborted_total",
			Help:      "Traces discarded before completion.",
		}),
		TracesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traces_dropped_total",
			Help:      "Completed traces not published because the trace limit was reached.",
		}),
		ActiveTraces: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_traces",
			Help:      "Traces started and not yet completed.",
		}),
		TraceNodes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trace_nodes",
			Help:      "Number of nodes in completed traces.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		MetricErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metric_errors_total",
			Help:      "Metric evaluations that failed.",
		}, []string{"probe", "metric"}),
		ListenerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_errors_total",
			Help:      "Listener invocations that failed or panicked.",
		}, []string{"listener"}),
		IndexReloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_reloads_total",
			Help:      "Probe index rebuilds.",
		}, []string{"result"}),
	}
}

func (s *Stats) TraceStarted() {
	if s == nil {
		return
	}
	s.TracesStarted.Inc()
	s.ActiveTraces.Inc()
}

// TraceCompleted records a completed trace and whether it was published.
func (s *Stats) TraceCompleted(nodes int, published bool) {
	if s == nil {
		return
	}
	s.ActiveTraces.Dec()
	s.TraceNodes.Observe(float64(nodes))
	if published {
		s.TracesPublished.Inc()
	} else {
		s.TracesFiltered.Inc()
	}
}

func (s *Stats) TraceAborted() {
	if s == nil {
		return
	}
	s.ActiveTraces.Dec()
	s.TracesAborted.Inc()
}

// TraceDropped records a completed trace that was not published because
// the trace limit was reached.
func (s *Stats) TraceDropped() {
	if s == nil {
		return
	}
	s.ActiveTraces.Dec()
	s.TracesDropped.Inc()
}

func (s *Stats) MetricError(probe, metric string) {
	if s == nil {
		return
	}
	s.MetricErrors.WithLabelValues(probe, metric).Inc()
}

func (s *Stats) ListenerError(listener string) {
	if s == nil {
		return
	}
	s.ListenerErrors.WithLabelValues(listener).Inc()
}

// IndexReloaded records an index rebuild. valid is false when probes were
// skipped as invalid.
func (s *Stats) IndexReloaded(valid bool) {
	if s == nil {
		return
	}
	result := "ok"
	if !valid {
		result = "invalid"
	}
	s.IndexReloads.WithLabelValues(result).Inc()
}
