package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected prometheus.Counter

	// Auth metrics
	authSuccesses prometheus.Counter
	authFailures  prometheus.Counter
	lockouts      prometheus.Counter

	// Routing metrics
	messagesBroadcast prometheus.Counter
	messagesUnicast   prometheus.Counter
	messagesDelivered prometheus.Counter
	queuedMessages    prometheus.Gauge
	broadcastFanout   prometheus.Histogram
}

// NewMetrics creates a new metrics instance registered on the given registry
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_active_sessions",
				Help: "Current number of active sessions",
			},
		),
		sessionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),
		sessionsDisconnected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_sessions_disconnected_total",
				Help: "Total number of sessions disconnected",
			},
		),
		authSuccesses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_auth_successes_total",
				Help: "Total number of successful authentications (including registrations)",
			},
		),
		authFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_auth_failures_total",
				Help: "Total number of wrong-password attempts",
			},
		),
		lockouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_auth_lockouts_total",
				Help: "Total number of source addresses locked out",
			},
		),
		messagesBroadcast: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_messages_broadcast_total",
				Help: "Total number of broadcast messages accepted (unique messages, not deliveries)",
			},
		),
		messagesUnicast: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_messages_unicast_total",
				Help: "Total number of direct messages accepted",
			},
		),
		messagesDelivered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_messages_delivered_total",
				Help: "Total number of messages delivered over push channels",
			},
		),
		queuedMessages: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_queued_messages",
				Help: "Messages currently held in pending queues",
			},
		),
		broadcastFanout: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parley_broadcast_fanout",
				Help:    "Number of clients each broadcast message was queued for",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),
	}
}

// RecordActiveSessions updates the active session count
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated increments the session creation counter
func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

// RecordSessionDisconnected increments the session disconnection counter
func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsDisconnected.Inc()
}

// RecordAuthSuccess increments the successful authentication counter
func (m *Metrics) RecordAuthSuccess() {
	m.authSuccesses.Inc()
}

// RecordAuthFailure increments the wrong-password counter
func (m *Metrics) RecordAuthFailure() {
	m.authFailures.Inc()
}

// RecordLockout increments the lockout counter
func (m *Metrics) RecordLockout() {
	m.lockouts.Inc()
}

// RecordBroadcast records one accepted broadcast and its fan-out
func (m *Metrics) RecordBroadcast(fanout int) {
	m.messagesBroadcast.Inc()
	m.broadcastFanout.Observe(float64(fanout))
}

// RecordUnicast increments the direct-message counter
func (m *Metrics) RecordUnicast() {
	m.messagesUnicast.Inc()
}

// RecordMessageDelivered increments the push-delivery counter
func (m *Metrics) RecordMessageDelivered() {
	m.messagesDelivered.Inc()
}

// RecordQueuedMessages updates the pending-queue depth gauge
func (m *Metrics) RecordQueuedMessages(count int) {
	m.queuedMessages.Set(float64(count))
}
