package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	gateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wa_relay",
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Inbound message admission decisions by verdict.",
		},
		[]string{"verdict"},
	)
	relayDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wa_relay",
			Subsystem: "relay",
			Name:      "deliveries_total",
			Help:      "Backend delivery attempts by outcome.",
		},
		[]string{"outcome"},
	)
	relayBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wa_relay",
			Subsystem: "relay",
			Name:      "backlog",
			Help:      "Tasks waiting for dispatch.",
		},
	)
	breakerOpens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wa_relay",
			Subsystem: "relay",
			Name:      "breaker_opens_total",
			Help:      "Times the backend circuit breaker opened.",
		},
	)
	connectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wa_relay",
			Subsystem: "connection",
			Name:      "state",
			Help:      "Connection state (0 disconnected, 1 connecting, 2 awaiting pairing, 3 connected).",
		},
	)
	sessionBackups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wa_relay",
			Subsystem: "session",
			Name:      "backups_total",
			Help:      "Session backup calls by result.",
		},
		[]string{"result"},
	)
)

// RegisterMetrics registers all collectors with the default registry.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(gateDecisions, relayDeliveries, relayBacklog, breakerOpens, connectionState, sessionBackups)
	})
}

// RecordGateDecision counts one admission decision.
func RecordGateDecision(verdict string) {
	RegisterMetrics()
	gateDecisions.WithLabelValues(verdict).Inc()
}

// RecordDelivery counts one backend delivery outcome.
func RecordDelivery(outcome string) {
	RegisterMetrics()
	relayDeliveries.WithLabelValues(outcome).Inc()
}

// RecordBreakerOpen counts a circuit breaker opening.
func RecordBreakerOpen() {
	RegisterMetrics()
	breakerOpens.Inc()
}

// SetBacklog reports the current relay backlog size.
func SetBacklog(n int) {
	RegisterMetrics()
	relayBacklog.Set(float64(n))
}

// SetConnectionState reports the numeric connection state.
func SetConnectionState(state int) {
	RegisterMetrics()
	connectionState.Set(float64(state))
}

// RecordBackup counts one session backup call.
func RecordBackup(result string) {
	RegisterMetrics()
	sessionBackups.WithLabelValues(result).Inc()
}
