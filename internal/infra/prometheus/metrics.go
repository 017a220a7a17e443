package prometheus

import (
	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "quicklink"

// Outcome labels shared by the pipeline counters.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"

	OutcomeEmitted   = "emitted"
	OutcomeSkipped   = "skipped"
	OutcomeMalformed = "malformed"

	OutcomeApplied  = "applied"
	OutcomeOrphaned = "orphaned"
	OutcomeNoop     = "noop"
	OutcomeError    = "error"
)

// Metrics groups the counters recorded by the click pipeline. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	notifications    *prom.CounterVec
	prunedConns      prom.Counter
	changeRecords    *prom.CounterVec
	changeBatches    *prom.CounterVec
	clickIncrements  *prom.CounterVec
	suppressedEvents prom.Counter
	liveConnections  prom.Gauge
}

// NewMetrics creates the pipeline metrics and registers them with reg.
func NewMetrics(reg prom.Registerer) *Metrics {
	m := &Metrics{
		notifications: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification delivery attempts by outcome.",
		}, []string{"outcome"}),
		prunedConns: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "connections_pruned_total",
			Help:      "Connections deregistered after a definitive delivery failure or sweep.",
		}),
		changeRecords: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "change_records_total",
			Help:      "Change stream entries by normalization outcome.",
		}, []string{"outcome"}),
		changeBatches: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "change_batches_total",
			Help:      "Dashboard triggers by result.",
		}, []string{"result"}),
		clickIncrements: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "click_increments_total",
			Help:      "Access events by counter update outcome.",
		}, []string{"outcome"}),
		suppressedEvents: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "access_events_suppressed_total",
			Help:      "Access events whose publication failed and was suppressed.",
		}),
		liveConnections: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "dashboard_local_connections",
			Help:      "WebSocket connections held by this instance.",
		}),
	}

	reg.MustRegister(
		m.notifications,
		m.prunedConns,
		m.changeRecords,
		m.changeBatches,
		m.clickIncrements,
		m.suppressedEvents,
		m.liveConnections,
	)
	return m
}

func (m *Metrics) Notification(outcome string) {
	m.NotificationN(outcome, 1)
}

func (m *Metrics) NotificationN(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.notifications.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) ConnectionsPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.prunedConns.Add(float64(n))
}

func (m *Metrics) ChangeRecord(outcome string) {
	if m == nil {
		return
	}
	m.changeRecords.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ChangeBatch(result string) {
	if m == nil {
		return
	}
	m.changeBatches.WithLabelValues(result).Inc()
}

func (m *Metrics) ClickIncrement(outcome string) {
	if m == nil {
		return
	}
	m.clickIncrements.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AccessEventSuppressed() {
	if m == nil {
		return
	}
	m.suppressedEvents.Inc()
}

func (m *Metrics) LocalConnections(delta float64) {
	if m == nil {
		return
	}
	m.liveConnections.Add(delta)
}
