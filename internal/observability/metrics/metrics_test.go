package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestDispatchMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewDispatchMetrics(reg)
	m.ObserveDispatch("rule", "responded", 0.05)
	m.ObserveDispatch("rule", "responded", 0.07)
	m.ObserveAction("add_tag", "applied")
	m.ObserveSend("text", false)
	m.ObserveRuleSkipped("invalid_regex")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var inbound *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "autoreply_dispatch_inbound_total" {
			inbound = f
		}
	}
	if inbound == nil {
		t.Fatal("expected inbound_total metric family")
	}
	if got := inbound.GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected 2 dispatches, got %v", got)
	}
}

func TestDispatchMetricsCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewDispatchMetrics(reg)
	m.ObserveSend("template", true)
}

func TestDispatchMetricsNilSafe(t *testing.T) {
	var m *DispatchMetrics
	m.ObserveDispatch("rule", "error", 0.1)
	m.ObserveAction("add_tag", "failed")
	m.ObserveSend("text", true)
	m.ObserveRuleSkipped("panic")
}
