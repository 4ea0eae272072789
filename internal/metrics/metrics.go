package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	AlertsCreated     *prometheus.CounterVec
	DeliveryAttempts  *prometheus.CounterVec
	AlertsTerminal    *prometheus.CounterVec
	HandoffBacklog    prometheus.Gauge
	SchedulerInflight prometheus.Gauge
}

// New registers the collectors on reg. Tests pass a fresh registry so
// collectors never collide.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AlertsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "safealert_alerts_created_total",
			Help: "Alert events persisted, by cause",
		}, []string{"cause"}),
		DeliveryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "safealert_delivery_attempts_total",
			Help: "Delivery attempts, by result and channel",
		}, []string{"result", "channel"}),
		AlertsTerminal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "safealert_alerts_terminal_total",
			Help: "Alert events reaching a terminal state",
		}, []string{"state"}),
		HandoffBacklog: f.NewGauge(prometheus.GaugeOpts{
			Name: "safealert_alert_handoff_backlog",
			Help: "Alerts decided but not yet persisted",
		}),
		SchedulerInflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "safealert_scheduler_inflight",
			Help: "Alert events currently being dispatched",
		}),
	}
}

// Nop returns collectors registered nowhere.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}

func (m *Metrics) AlertCreated(cause string) {
	m.AlertsCreated.WithLabelValues(cause).Inc()
}

func (m *Metrics) Attempt(result, channel string) {
	m.DeliveryAttempts.WithLabelValues(result, channel).Inc()
}

func (m *Metrics) Terminal(state string) {
	m.AlertsTerminal.WithLabelValues(state).Inc()
}

func (m *Metrics) SetBacklog(n int) {
	m.HandoffBacklog.Set(float64(n))
}
