// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package metrics exposes server counters to Prometheus and to the periodic stats line.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every server metric. Each instance owns its registry so tests can create
// as many as they like.
type Metrics struct {
	reg *prometheus.Registry

	PacketsReceived *prometheus.CounterVec
	PacketsDropped  *prometheus.CounterVec
	Evictions       *prometheus.CounterVec
	Trackers        *prometheus.GaugeVec
	TrackedJoints   prometheus.Gauge
	Ticks           prometheus.Counter
	TickOverruns    prometheus.Counter
	TickPanics      prometheus.Counter
	TickDuration    prometheus.Histogram
	PublishErrors   *prometheus.CounterVec
	PublishSkipped  *prometheus.CounterVec
	Resets          *prometheus.CounterVec

	packets  atomic.Uint64
	dropped  atomic.Uint64
	overruns atomic.Uint64
}

// New registers all metrics on a fresh registry, together with the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		PacketsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bodytracker_packets_received_total",
			Help: "Decoded tracker packets by type",
		}, []string{"type"}),
		PacketsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bodytracker_packets_dropped_total",
			Help: "Datagrams dropped before reaching a session, by reason",
		}, []string{"reason"}),
		Evictions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bodytracker_sessions_evicted_total",
			Help: "Tracker sessions removed, by reason",
		}, []string{"reason"}),
		Trackers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bodytracker_trackers",
			Help: "Live tracker sessions by state",
		}, []string{"state"}),
		TrackedJoints: f.NewGauge(prometheus.GaugeOpts{
			Name: "bodytracker_tracked_joints",
			Help: "Joints driven by a usable tracker in the last tick",
		}),
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Name: "bodytracker_ticks_total",
			Help: "Solver ticks run",
		}),
		TickOverruns: f.NewCounter(prometheus.CounterOpts{
			Name: "bodytracker_tick_overruns_total",
			Help: "Ticks that took longer than the tick budget",
		}),
		TickPanics: f.NewCounter(prometheus.CounterOpts{
			Name: "bodytracker_tick_panics_total",
			Help: "Ticks aborted by a recovered panic",
		}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bodytracker_tick_duration_seconds",
			Help:    "Time spent working inside one tick",
			Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025},
		}),
		PublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bodytracker_publish_errors_total",
			Help: "Failed or timed out bridge publishes",
		}, []string{"bridge"}),
		PublishSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bodytracker_publish_skipped_total",
			Help: "Poses replaced by a newer one before the bridge could send them",
		}, []string{"bridge"}),
		Resets: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bodytracker_resets_total",
			Help: "Calibration resets applied, by kind and origin",
		}, []string{"kind", "origin"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// PacketReceived counts one decoded packet.
func (m *Metrics) PacketReceived(typ string) {
	m.PacketsReceived.WithLabelValues(typ).Inc()
	m.packets.Add(1)
}

// PacketDropped counts one dropped datagram.
func (m *Metrics) PacketDropped(reason string) {
	m.PacketsDropped.WithLabelValues(reason).Inc()
	m.dropped.Add(1)
}

// ObserveTick records one finished tick.
func (m *Metrics) ObserveTick(work, budget time.Duration) {
	m.Ticks.Inc()
	m.TickDuration.Observe(work.Seconds())
	if work > budget {
		m.TickOverruns.Inc()
		m.overruns.Add(1)
	}
}

// Stats is the delta since the previous TakeStats call.
type Stats struct {
	Packets  uint64
	Dropped  uint64
	Overruns uint64
}

// TakeStats returns and clears the counters behind the periodic stats line.
func (m *Metrics) TakeStats() Stats {
	return Stats{
		Packets:  m.packets.Swap(0),
		Dropped:  m.dropped.Swap(0),
		Overruns: m.overruns.Swap(0),
	}
}
