package eftl

import "github.com/prometheus/client_golang/prometheus"

// sessionMetrics mirrors the teacher's metrics.go collector set (connection
// state, message counts, queue depth) but instantiated per Session rather
// than as package-level globals, since a process may hold many concurrent
// eFTL sessions where the teacher's server holds exactly one listener.
type sessionMetrics struct {
	state          prometheus.Gauge
	reconnects     prometheus.Counter
	publishLatency prometheus.Histogram
	requestLatency prometheus.Histogram
	ledgerDepth    prometheus.Gauge
	inboundDepth   prometheus.Gauge
	messagesSent   prometheus.Counter
	messagesRecv   prometheus.Counter
	errorsTotal    prometheus.Counter
}

// newSessionMetrics builds and, if reg is non-nil, registers the session's
// metric collectors. A nil reg yields fully functional but unregistered
// collectors, so callers that don't pass Options.MetricsRegisterer still
// get a metrics struct with no special-casing at the call sites.
func newSessionMetrics(reg prometheus.Registerer, clientID string) *sessionMetrics {
	labels := prometheus.Labels{"client_id": clientID}

	m := &sessionMetrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "eftl_connection_state",
			Help:        "Current session connection state (0=INITIAL..5=RECONNECTING)",
			ConstLabels: labels,
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "eftl_reconnect_attempts_total",
			Help:        "Total number of reconnect attempts made",
			ConstLabels: labels,
		}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "eftl_publish_latency_seconds",
			Help:        "Time from Publish call to ACK receipt",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "eftl_request_latency_seconds",
			Help:        "Time from SendRequest call to reply receipt",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}),
		ledgerDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "eftl_ledger_depth",
			Help:        "Current number of unacknowledged outstanding requests",
			ConstLabels: labels,
		}),
		inboundDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "eftl_inbound_queue_depth",
			Help:        "Current number of messages queued for dispatch",
			ConstLabels: labels,
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "eftl_messages_sent_total",
			Help:        "Total number of publish/request frames sent",
			ConstLabels: labels,
		}),
		messagesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "eftl_messages_received_total",
			Help:        "Total number of message frames received",
			ConstLabels: labels,
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "eftl_errors_total",
			Help:        "Total number of asynchronous errors delivered to OnError",
			ConstLabels: labels,
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.state, m.reconnects, m.publishLatency, m.requestLatency,
			m.ledgerDepth, m.inboundDepth, m.messagesSent, m.messagesRecv, m.errorsTotal,
		} {
			reg.MustRegister(c)
		}
	}

	return m
}
