// Package metrics holds the Prometheus collectors for switchboard. All record
// methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
	OutcomeBusy      = "busy"
	OutcomeInvalid   = "invalid"
	OutcomeError     = "error"
)

type Metrics struct {
	registry *prometheus.Registry

	Turns               *prometheus.CounterVec
	Decisions           *prometheus.CounterVec
	Fallbacks           *prometheus.CounterVec
	Decodes             *prometheus.CounterVec
	Handoffs            prometheus.Counter
	GuardRejections     prometheus.Counter
	InvariantViolations *prometheus.CounterVec
	Connections         prometheus.Gauge
	Envelopes           *prometheus.CounterVec
	GenerationLatency   prometheus.Histogram
}

// New registers every collector on a fresh registry, plus the Go and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_turns_total",
			Help: "Turns handled, by outcome",
		}, []string{"outcome"}),

		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_speaker_decisions_total",
			Help: "Speaker decisions by reason code",
		}, []string{"reason"}),

		Fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_fallbacks_total",
			Help: "Responses produced by the fallback chain, by type and reason",
		}, []string{"type", "reason"}),

		Decodes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_conversation_id_decodes_total",
			Help: "Conversation id decode results by status",
		}, []string{"status"}),

		Handoffs: f.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_handoffs_total",
			Help: "Agent handoffs after a generation failure",
		}),

		GuardRejections: f.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_inflight_rejections_total",
			Help: "Turns rejected because the conversation already had a generation in flight",
		}),

		InvariantViolations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_invariant_violations_total",
			Help: "Invariant violations by check",
		}, []string{"check"}),

		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "switchboard_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		}),

		Envelopes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_envelopes_total",
			Help: "Inbound envelopes by type",
		}, []string{"type"}),

		// LLM turns can run long.
		GenerationLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "switchboard_generation_duration_seconds",
			Help:    "Time from first generator call to the final chunk",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
	}
}

// Handler serves this registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RecordTurn(outcome string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordDecision(label string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(label).Inc()
}

func (m *Metrics) RecordFallback(typ, reason string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(typ, reason).Inc()
}

func (m *Metrics) RecordDecode(status string) {
	if m == nil {
		return
	}
	m.Decodes.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordHandoff() {
	if m == nil {
		return
	}
	m.Handoffs.Inc()
}

func (m *Metrics) RecordGuardRejection() {
	if m == nil {
		return
	}
	m.GuardRejections.Inc()
}

func (m *Metrics) RecordViolation(check string) {
	if m == nil {
		return
	}
	m.InvariantViolations.WithLabelValues(check).Inc()
}

func (m *Metrics) RecordConnect() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) RecordDisconnect() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

func (m *Metrics) RecordEnvelope(typ string) {
	if m == nil {
		return
	}
	m.Envelopes.WithLabelValues(typ).Inc()
}

func (m *Metrics) ObserveGeneration(d time.Duration) {
	if m == nil {
		return
	}
	m.GenerationLatency.Observe(d.Seconds())
}
