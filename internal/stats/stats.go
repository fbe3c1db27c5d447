// Package stats exposes the spec.md §6 statistics-* knobs as
// Prometheus counters and gauges: messages sent/received/dropped per
// endpoint, active subscriptions, pending-offer queue depth, and SD
// phase transitions. Grounded on linkerd2's controller/proxy-injector
// metrics.go (promauto-built CounterVecs with a small label set),
// generalized from package-level vars registered against the global
// default registerer to fields on a Metrics value built against a
// caller-supplied *prometheus.Registry, so a test (or a second daemon
// instance in the same process) can create its own registry instead of
// panicking on duplicate registration.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelEndpoint  = "endpoint"
	labelTransport = "transport"
	labelPhase     = "phase"
	labelReason    = "reason"
)

// Metrics is the daemon's full set of Prometheus collectors.
type Metrics struct {
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec

	ActiveSubscriptions   prometheus.Gauge
	PendingOfferQueueDepth prometheus.Gauge
	ReactorTasksDropped   prometheus.Counter

	SDPhaseTransitions *prometheus.CounterVec
}

// New builds and registers every collector against reg. Pass
// prometheus.NewRegistry() for an isolated registry (tests, or more
// than one Metrics per process); pass prometheus.DefaultRegisterer's
// underlying registry in the daemon to expose them on the standard
// /metrics path.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "someipd",
			Name:      "messages_sent_total",
			Help:      "SOME/IP messages sent, by endpoint and transport.",
		}, []string{labelEndpoint, labelTransport}),

		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "someipd",
			Name:      "messages_received_total",
			Help:      "SOME/IP messages received, by endpoint and transport.",
		}, []string{labelEndpoint, labelTransport}),

		MessagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "someipd",
			Name:      "messages_dropped_total",
			Help:      "SOME/IP messages dropped before delivery, by reason.",
		}, []string{labelReason}),

		ActiveSubscriptions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "someipd",
			Name:      "active_subscriptions",
			Help:      "Currently active eventgroup subscriptions, local and remote.",
		}),

		PendingOfferQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "someipd",
			Name:      "pending_offer_queue_depth",
			Help:      "Offers currently waiting behind an in-flight offer/stop-offer gate.",
		}),

		ReactorTasksDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "someipd",
			Name:      "reactor_tasks_dropped_total",
			Help:      "Tasks dropped because the reactor's work queue was full.",
		}),

		SDPhaseTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "someipd",
			Name:      "sd_phase_transitions_total",
			Help:      "Service discovery state machine phase transitions, by phase.",
		}, []string{labelPhase}),
	}
}

// RecordSent increments the sent counter for (endpoint, transport).
func (m *Metrics) RecordSent(endpoint string, reliable bool) {
	m.MessagesSent.WithLabelValues(endpoint, transportLabel(reliable)).Inc()
}

// RecordReceived increments the received counter for (endpoint,
// transport).
func (m *Metrics) RecordReceived(endpoint string, reliable bool) {
	m.MessagesReceived.WithLabelValues(endpoint, transportLabel(reliable)).Inc()
}

// RecordDropped increments the dropped counter for reason.
func (m *Metrics) RecordDropped(reason string) {
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// RecordPhaseTransition increments the SD phase counter for phase.
func (m *Metrics) RecordPhaseTransition(phase string) {
	m.SDPhaseTransitions.WithLabelValues(phase).Inc()
}

func transportLabel(reliable bool) string {
	if reliable {
		return "tcp"
	}
	return "udp"
}
