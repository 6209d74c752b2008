// Package metrics exposes prometheus collectors for the wizard service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	launches        *prometheus.CounterVec
	mountWait       prometheus.Histogram
	mountTimeouts   prometheus.Counter
	sessionSaves    *prometheus.CounterVec
	progressEvents  *prometheus.CounterVec
	navigations     *prometheus.CounterVec
	activeListeners prometheus.Gauge
}

// New creates collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wizard_launches_total",
			Help: "Analysis launches by outcome.",
		}, []string{"outcome"}),
		mountWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wizard_mount_wait_seconds",
			Help:    "Time spent waiting for the progress listener before starting an analysis.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		mountTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wizard_mount_timeouts_total",
			Help: "Launches that proceeded without a listener acknowledgement.",
		}),
		sessionSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wizard_session_saves_total",
			Help: "Session persistence writes by result.",
		}, []string{"result"}),
		progressEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wizard_progress_events_total",
			Help: "Progress events received by source.",
		}, []string{"source"}),
		navigations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wizard_navigations_total",
			Help: "Completion routing decisions by destination.",
		}, []string{"destination"}),
		activeListeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wizard_active_listeners",
			Help: "Connected progress websocket listeners.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.launches, m.mountWait, m.mountTimeouts, m.sessionSaves,
		m.progressEvents, m.navigations, m.activeListeners,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Launch(outcome string) {
	if m != nil {
		m.launches.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) MountWait(seconds float64, timedOut bool) {
	if m == nil {
		return
	}
	m.mountWait.Observe(seconds)
	if timedOut {
		m.mountTimeouts.Inc()
	}
}

func (m *Metrics) SessionSave(result string) {
	if m != nil {
		m.sessionSaves.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ProgressEvent(source string) {
	if m != nil {
		m.progressEvents.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) Navigation(destination string) {
	if m != nil {
		m.navigations.WithLabelValues(destination).Inc()
	}
}

func (m *Metrics) ListenerConnected() {
	if m != nil {
		m.activeListeners.Inc()
	}
}

func (m *Metrics) ListenerDisconnected() {
	if m != nil {
		m.activeListeners.Dec()
	}
}
