package chatsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	eventsReceived *prometheus.CounterVec
	malformed      *prometheus.CounterVec
	duplicates     prometheus.Counter
	promotions     *prometheus.CounterVec
	sendTimeouts   prometheus.Counter
	pendingSends   prometheus.Gauge
	reconnects     prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_received_total",
			Help:      "Inbound channel events by name.",
		}, []string{"event"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "malformed_dropped_total",
			Help:      "Inbound records dropped at the dispatcher boundary.",
		}, []string{"event"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "duplicate_confirmations_total",
			Help:      "Confirmed messages ignored because their id was already stored.",
		}),
		promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "pending_promotions_total",
			Help:      "Pending sends promoted to confirmed, by match kind.",
		}, []string{"match"}),
		sendTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "send_timeouts_total",
			Help:      "Sends whose confirmation did not arrive within the send timeout.",
		}),
		pendingSends: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "pending_sends",
			Help:      "Outstanding optimistic messages.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnects_total",
			Help:      "Channel reconnects that re-armed subscriptions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.eventsReceived, m.malformed, m.duplicates, m.promotions,
			m.sendTimeouts, m.pendingSends, m.reconnects)
	}
	return m
}

func (m *Metrics) eventReceived(name string) {
	if m != nil {
		m.eventsReceived.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) malformedDropped(name string, n int) {
	if m != nil {
		m.malformed.WithLabelValues(name).Add(float64(n))
	}
}

func (m *Metrics) duplicate() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *Metrics) promoted(match string) {
	if m != nil {
		m.promotions.WithLabelValues(match).Inc()
	}
}

func (m *Metrics) sendTimedOut() {
	if m != nil {
		m.sendTimeouts.Inc()
	}
}

func (m *Metrics) setPending(n int) {
	if m != nil {
		m.pendingSends.Set(float64(n))
	}
}

func (m *Metrics) reconnected() {
	if m != nil {
		m.reconnects.Inc()
	}
}
