// Package metrics exposes Prometheus collectors for the connection layer.
//
// Every method is safe to call on a nil *Metrics so components can run
// without a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "peerlink"

// Metrics holds all collectors of one node.
type Metrics struct {
	bytesIn          *prometheus.CounterVec
	bytesOut         *prometheus.CounterVec
	sessionsOpened   prometheus.Counter
	sessionsClosed   *prometheus.CounterVec
	handshakes       *prometheus.CounterVec
	queueOverflows   prometheus.Counter
	relayedMessages  prometheus.Counter
	relayedBytes     prometheus.Counter
	pendingCircuits  prometheus.Gauge
	reconnectResults *prometheus.CounterVec
	reconnectQueue   prometheus.Gauge
	reconnectWorkers prometheus.Gauge
	liveSessions     prometheus.Gauge
}

// New creates the collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		bytesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "bytes_in_total",
			Help: "Bytes read from transports, including frame headers.",
		}, []string{"network"}),
		bytesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "bytes_out_total",
			Help: "Bytes written to transports, including frame headers.",
		}, []string{"network"}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "opened_total",
			Help: "Sessions that completed the identity exchange.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "closed_total",
			Help: "Sessions shut down, by reason.",
		}, []string{"reason"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "handshakes_total",
			Help: "Handshake outcomes.",
		}, []string{"result"}),
		queueOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "queue_overflows_total",
			Help: "Sessions closed because the send queue overflowed.",
		}),
		relayedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "forwarded_messages_total",
			Help: "Relayed messages forwarded on behalf of other nodes.",
		}),
		relayedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "forwarded_bytes_total",
			Help: "Payload bytes forwarded on behalf of other nodes.",
		}),
		pendingCircuits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay", Name: "pending_circuits",
			Help: "Virtual circuits not yet accepted.",
		}),
		reconnectResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconnect", Name: "attempts_total",
			Help: "Reconnection attempts by result.",
		}, []string{"result"}),
		reconnectQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "reconnect", Name: "queue_length",
			Help: "Nodes waiting for a reconnection attempt.",
		}),
		reconnectWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "reconnect", Name: "workers",
			Help: "Running reconnector workers.",
		}),
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "registry", Name: "live_sessions",
			Help: "Accepted sessions currently connected.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.bytesIn, m.bytesOut, m.sessionsOpened, m.sessionsClosed, m.handshakes,
			m.queueOverflows, m.relayedMessages, m.relayedBytes, m.pendingCircuits,
			m.reconnectResults, m.reconnectQueue, m.reconnectWorkers, m.liveSessions,
		)
	}
	return m
}

// AddBytesIn counts bytes read from a transport network.
func (m *Metrics) AddBytesIn(network string, n int) {
	if m == nil {
		return
	}
	m.bytesIn.WithLabelValues(network).Add(float64(n))
}

// AddBytesOut counts bytes written to a transport network.
func (m *Metrics) AddBytesOut(network string, n int) {
	if m == nil {
		return
	}
	m.bytesOut.WithLabelValues(network).Add(float64(n))
}

// SessionOpened counts a completed identity exchange.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
}

// SessionClosed counts a session shutdown with the given reason label.
func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

// Handshake counts a handshake outcome.
func (m *Metrics) Handshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}

// QueueOverflow counts a send queue overflow.
func (m *Metrics) QueueOverflow() {
	if m == nil {
		return
	}
	m.queueOverflows.Inc()
}

// Relayed counts one forwarded relay message and its payload size.
func (m *Metrics) Relayed(payloadBytes int) {
	if m == nil {
		return
	}
	m.relayedMessages.Inc()
	m.relayedBytes.Add(float64(payloadBytes))
}

// SetPendingCircuits records the size of the pending circuit set.
func (m *Metrics) SetPendingCircuits(n int) {
	if m == nil {
		return
	}
	m.pendingCircuits.Set(float64(n))
}

// ReconnectAttempt counts a reconnection attempt by result.
func (m *Metrics) ReconnectAttempt(result string) {
	if m == nil {
		return
	}
	m.reconnectResults.WithLabelValues(result).Inc()
}

// SetReconnectQueue records the reconnection queue length.
func (m *Metrics) SetReconnectQueue(n int) {
	if m == nil {
		return
	}
	m.reconnectQueue.Set(float64(n))
}

// SetReconnectWorkers records the reconnector pool size.
func (m *Metrics) SetReconnectWorkers(n int) {
	if m == nil {
		return
	}
	m.reconnectWorkers.Set(float64(n))
}

// SetLiveSessions records the number of accepted sessions.
func (m *Metrics) SetLiveSessions(n int) {
	if m == nil {
		return
	}
	m.liveSessions.Set(float64(n))
}
