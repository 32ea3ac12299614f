package metrics

import "github.com/prometheus/client_golang/prometheus"

// DispatchMetrics exposes counters/histograms for the auto-response engine.
type DispatchMetrics struct {
	dispatchTotal   *prometheus.CounterVec
	actionTotal     *prometheus.CounterVec
	sendTotal       *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	ruleSkipped     *prometheus.CounterVec
}

func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	m := &DispatchMetrics{
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoreply",
			Subsystem: "dispatch",
			Name:      "inbound_total",
			Help:      "Inbound messages handled, by route and outcome",
		}, []string{"route", "outcome"}),
		actionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoreply",
			Subsystem: "actions",
			Name:      "executed_total",
			Help:      "Actions attempted, by type and status",
		}, []string{"type", "status"}),
		sendTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoreply",
			Subsystem: "gateway",
			Name:      "send_total",
			Help:      "Messaging gateway pushes, by message type and status",
		}, []string{"message_type", "status"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "autoreply",
			Subsystem: "dispatch",
			Name:      "latency_seconds",
			Help:      "Latency of inbound message dispatch",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		ruleSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoreply",
			Subsystem: "rules",
			Name:      "skipped_total",
			Help:      "Candidate rules skipped because evaluation failed",
		}, []string{"reason"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.dispatchTotal, m.actionTotal, m.sendTotal, m.dispatchLatency, m.ruleSkipped)
	return m
}

func (m *DispatchMetrics) ObserveDispatch(route, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(route, outcome).Inc()
	m.dispatchLatency.WithLabelValues(route).Observe(seconds)
}

func (m *DispatchMetrics) ObserveAction(actionType, status string) {
	if m == nil {
		return
	}
	m.actionTotal.WithLabelValues(actionType, status).Inc()
}

func (m *DispatchMetrics) ObserveSend(messageType string, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.sendTotal.WithLabelValues(messageType, status).Inc()
}

func (m *DispatchMetrics) ObserveRuleSkipped(reason string) {
	if m == nil {
		return
	}
	m.ruleSkipped.WithLabelValues(reason).Inc()
}
