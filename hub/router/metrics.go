package router

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fleetrelay/fleetrelay/hub/auth"
	"github.com/fleetrelay/fleetrelay/pkg/protocol"
)

type routerMetrics struct {
	sessions         *prometheus.GaugeVec
	dispatched       prometheus.Counter
	results          *prometheus.CounterVec
	batchLatency     prometheus.Histogram
	unknownResponses prometheus.Counter
	denials          *prometheus.CounterVec
	rateLimited      prometheus.Counter
}

// newRouterMetrics registers the relay collectors on reg. A nil reg
// disables metrics; every method is safe on a nil receiver.
func newRouterMetrics(reg prometheus.Registerer) *routerMetrics {
	if reg == nil {
		return nil
	}
	m := &routerMetrics{
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleetrelay_sessions_active",
			Help: "Live WebSocket sessions on this instance by principal kind.",
		}, []string{"kind"}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetrelay_commands_dispatched_total",
			Help: "Commands addressed to devices, one per batch target.",
		}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetrelay_command_results_total",
			Help: "Settled device results by outcome.",
		}, []string{"outcome"}),
		batchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleetrelay_batch_duration_seconds",
			Help:    "Time from dispatch to batch completion.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		unknownResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetrelay_unknown_responses_total",
			Help: "Device responses dropped as unknown, duplicate or misaddressed.",
		}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetrelay_authorization_denials_total",
			Help: "Messages rejected by the authorization gate by message type.",
		}, []string{"type"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetrelay_messages_rate_limited_total",
			Help: "Inbound messages dropped by the per-connection rate limit.",
		}),
	}
	reg.MustRegister(
		m.sessions,
		m.dispatched,
		m.results,
		m.batchLatency,
		m.unknownResponses,
		m.denials,
		m.rateLimited,
	)
	return m
}

func (m *routerMetrics) sessionOpened(kind auth.Kind) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(string(kind)).Inc()
}

func (m *routerMetrics) sessionClosed(kind auth.Kind) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(string(kind)).Dec()
}

func (m *routerMetrics) commandsDispatched(n int) {
	if m == nil {
		return
	}
	m.dispatched.Add(float64(n))
}

func (m *routerMetrics) result(outcome protocol.Outcome) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(string(outcome)).Inc()
}

func (m *routerMetrics) batchCompleted(created time.Time) {
	if m == nil {
		return
	}
	m.batchLatency.Observe(time.Since(created).Seconds())
}

func (m *routerMetrics) unknownResponse() {
	if m == nil {
		return
	}
	m.unknownResponses.Inc()
}

func (m *routerMetrics) denied(msgType string) {
	if m == nil {
		return
	}
	m.denials.WithLabelValues(msgType).Inc()
}

func (m *routerMetrics) limited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
