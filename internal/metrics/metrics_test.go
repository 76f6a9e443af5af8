package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gatherValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if !labelsMatch(metric, labels) {
				continue
			}
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				return float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("metric %s %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, pair := range metric.GetLabel() {
		if value, ok := labels[pair.GetName()]; ok && value == pair.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.ObserveLiveMessage(ResultApplied)
	m.SetConnectionState("OPEN")
	m.ObserveReconnect(time.Second)
	m.ObserveMutation("live", 1)
	m.ObserveCleanup(1, 1, time.Millisecond)
	m.ObserveUpstream("fetch_workers", 200, time.Millisecond)
	m.ObserveHistory(ResultSuccess)
	m.ObserveDroppedEvent("presence")
	m.ObserveHTTP("GET", "/healthz", 200, time.Millisecond)
}

func TestConnectionStateIsOneHot(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetConnectionState("CONNECTING")
	m.SetConnectionState("OPEN")

	if got := gatherValue(t, reg, "presence_live_connection_state", map[string]string{LabelState: "OPEN"}); got != 1 {
		t.Fatalf("expected OPEN=1, got %v", got)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() == "presence_live_connection_state" && len(family.GetMetric()) != 1 {
			t.Fatalf("expected a single active state, got %d series", len(family.GetMetric()))
		}
	}
}

func TestObserveUpstreamLabelsTransportErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveUpstream("fetch_workers", 0, time.Millisecond)
	m.ObserveUpstream("fetch_workers", 502, time.Millisecond)

	if got := gatherValue(t, reg, "presence_upstream_requests_total", map[string]string{LabelOperation: "fetch_workers", LabelStatus: "transport_error"}); got != 1 {
		t.Fatalf("expected one transport error, got %v", got)
	}
	if got := gatherValue(t, reg, "presence_upstream_request_duration_seconds", map[string]string{LabelOperation: "fetch_workers"}); got != 2 {
		t.Fatalf("expected two latency samples, got %v", got)
	}
}
