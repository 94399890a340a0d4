package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := c.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := g.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Gauge.GetValue()
}

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	if c == nil {
		t.Fatal("NewCollector returned nil")
	}

	if c.registry == nil {
		t.Error("registry is nil")
	}

	if c.TrackerLinesRead == nil {
		t.Error("TrackerLinesRead is nil")
	}

	if c.ResolverQueryDuration == nil {
		t.Error("ResolverQueryDuration is nil")
	}

	if c.AlertsEmitted == nil {
		t.Error("AlertsEmitted is nil")
	}
}

func TestCollectorsAreIndependent(t *testing.T) {
	a := NewCollector()
	b := NewCollector()

	a.ParserSkipped.Add(3)

	if got := counterValue(t, a.ParserSkipped); got != 3 {
		t.Errorf("Expected 3, got %f", got)
	}
	if got := counterValue(t, b.ParserSkipped); got != 0 {
		t.Errorf("Expected 0 on second collector, got %f", got)
	}
}

func TestResolverMetrics(t *testing.T) {
	c := NewCollector()

	c.ResolverQueries.WithLabelValues("kos", "success").Add(5)
	c.ResolverInFlight.Inc()
	c.ResolverInFlight.Inc()
	c.ResolverInFlight.Dec()
	c.ResolverQueryDuration.WithLabelValues("kos").Observe(0.25)

	if got := counterValue(t, c.ResolverQueries.WithLabelValues("kos", "success")); got != 5 {
		t.Errorf("Expected 5, got %f", got)
	}
	if got := gaugeValue(t, c.ResolverInFlight); got != 1 {
		t.Errorf("Expected 1 in flight, got %f", got)
	}
}

func TestAlertMetrics(t *testing.T) {
	c := NewCollector()

	c.AlertsEmitted.WithLabelValues("hostile", "high").Inc()
	c.AlertsSuppressed.WithLabelValues("system").Add(2)

	if got := counterValue(t, c.AlertsEmitted.WithLabelValues("hostile", "high")); got != 1 {
		t.Errorf("Expected 1, got %f", got)
	}
	if got := counterValue(t, c.AlertsSuppressed.WithLabelValues("system")); got != 2 {
		t.Errorf("Expected 2, got %f", got)
	}
}

func TestRegistryGather(t *testing.T) {
	c := NewCollector()
	c.TrackerLinesRead.WithLabelValues("Local").Inc()

	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := false
	for _, mf := range families {
		if mf.GetName() == "intelwatch_tracker_lines_read_total" {
			found = true
		}
	}
	if !found {
		t.Error("Expected intelwatch_tracker_lines_read_total to be registered")
	}
}

func TestStartStop(t *testing.T) {
	c := NewCollector()

	c.Start(10 * time.Millisecond)
	c.Start(10 * time.Millisecond) // second start is a no-op

	time.Sleep(50 * time.Millisecond)
	c.Stop()
	c.Stop()

	if got := gaugeValue(t, c.SystemGoroutines); got <= 0 {
		t.Errorf("Expected goroutine gauge to be collected, got %f", got)
	}
}
