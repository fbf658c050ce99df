// Package observability carries the controller's metrics and logging
// setup. Metrics are Prometheus collectors; the phase gauge is derived
// from the ledger at scrape time so it can never drift from the record.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drydockproject/drydock/pkg/lifecycle"
)

// PhaseSource supplies the current per-worker phase map, typically the
// state ledger.
type PhaseSource interface {
	Phases() map[string]lifecycle.Phase
}

// SessionMetrics provides Prometheus metrics for drain and teardown
// sessions. A nil *SessionMetrics is valid and records nothing, so
// callers never need to guard.
type SessionMetrics struct {
	source PhaseSource

	// Fleet state
	workersByPhase *prometheus.GaugeVec

	// Session activity
	transitions   *prometheus.CounterVec
	probes        *prometheus.CounterVec
	stopAttempts  *prometheus.CounterVec
	drainDuration prometheus.Histogram
}

// NewSessionMetrics creates a new SessionMetrics instance reading fleet
// state from source.
func NewSessionMetrics(source PhaseSource) *SessionMetrics {
	return &SessionMetrics{
		source: source,
		workersByPhase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "drydock_workers",
				Help: "Number of workers by lifecycle phase",
			},
			[]string{"phase"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drydock_phase_transitions_total",
				Help: "Total number of phase transitions by prior and next phase",
			},
			[]string{"prior", "next"},
		),
		probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drydock_probes_total",
				Help: "Total number of probes by observed client state",
			},
			[]string{"state"},
		),
		stopAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drydock_stop_attempts_total",
				Help: "Total number of stop attempts by result",
			},
			[]string{"result"},
		),
		drainDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "drydock_drain_duration_seconds",
				Help:    "Time from drain request to paused confirmation per worker",
				Buckets: []float64{15, 30, 60, 120, 300, 600, 1200, 2400},
			},
		),
	}
}

// Describe implements prometheus.Collector.
func (m *SessionMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.workersByPhase.Describe(ch)
	m.transitions.Describe(ch)
	m.probes.Describe(ch)
	m.stopAttempts.Describe(ch)
	m.drainDuration.Describe(ch)
}

// Collect implements prometheus.Collector and refreshes the phase gauge
// from the source.
func (m *SessionMetrics) Collect(ch chan<- prometheus.Metric) {
	m.collectPhases()

	m.workersByPhase.Collect(ch)
	m.transitions.Collect(ch)
	m.probes.Collect(ch)
	m.stopAttempts.Collect(ch)
	m.drainDuration.Collect(ch)
}

func (m *SessionMetrics) collectPhases() {
	if m.source == nil {
		return
	}

	counts := make(map[string]float64)
	for _, phase := range m.source.Phases() {
		counts[phase.String()]++
	}

	m.workersByPhase.Reset()
	for phase, count := range counts {
		m.workersByPhase.WithLabelValues(phase).Set(count)
	}
}

// RecordTransition increments the transition counter.
func (m *SessionMetrics) RecordTransition(prior, next lifecycle.Phase) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(prior.String(), next.String()).Inc()
}

// RecordProbe increments the probe counter for the observed state.
func (m *SessionMetrics) RecordProbe(state string) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(state).Inc()
}

// RecordStopAttempt increments the stop attempt counter.
func (m *SessionMetrics) RecordStopAttempt(result string) {
	if m == nil {
		return
	}
	m.stopAttempts.WithLabelValues(result).Inc()
}

// ObserveDrainDuration records one worker's drain time.
func (m *SessionMetrics) ObserveDrainDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.drainDuration.Observe(d.Seconds())
}

// Stop attempt results.
const (
	StopResultStopped        = "stopped"
	StopResultAlreadyStopped = "already_stopped"
	StopResultFailed         = "failed"
)
