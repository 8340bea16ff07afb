package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/supvisors/supvisors/internal/event"
	"github.com/supvisors/supvisors/internal/model"
	"github.com/supvisors/supvisors/pkg/types"
)

func gaugeValue(t *testing.T, c *Collector, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := c.registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metric:
		for _, metric := range family.GetMetric() {
			for key, value := range labels {
				found := false
				for _, label := range metric.GetLabel() {
					if label.GetName() == key && label.GetValue() == value {
						found = true
					}
				}
				if !found {
					continue metric
				}
			}
			return metric.GetGauge().GetValue()
		}
	}
	t.Fatalf("series %s%v not found", name, labels)
	return 0
}

func newRunningCollector(t *testing.T) (*Collector, *event.Bus) {
	t.Helper()
	bus := event.NewBus(zerolog.Nop())
	collector := NewCollector(Config{
		StatsPeriods: []time.Duration{time.Minute},
		StatsHisto:   3,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- collector.Run(ctx, bus) }()
	t.Cleanup(func() {
		cancel()
		bus.Close()
		<-done
	})
	return collector, bus
}

func waitFor(t *testing.T, predicate func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if predicate() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestCollector_ObservesDeltas(t *testing.T) {
	t.Parallel()

	collector, bus := newRunningCollector(t)

	bus.Publish(types.TopicSupvisors, model.SupvisorsPayload{StateCode: 2, StateName: "OPERATION"})
	bus.Publish(types.TopicAddress, model.AddressPayload{
		AddressName: "n1", StateCode: 2, StateName: "RUNNING", Loading: 30,
	})
	bus.Publish(types.TopicApplication, model.ApplicationPayload{
		ApplicationName: "movies", StateCode: 3, StateName: "RUNNING", MinorFailure: true,
	})
	bus.Publish(types.TopicProcess, model.ProcessPayload{
		ApplicationName: "movies", ProcessName: "p1", StateCode: 20, StateName: "RUNNING",
		Addresses: []string{"n1", "n2"},
	})

	waitFor(t, func() bool {
		return len(collector.History("n1")) == 1
	})

	if got := gaugeValue(t, collector, "supvisors_cluster_state", nil); got != 2 {
		t.Errorf("cluster_state = %v", got)
	}
	if got := gaugeValue(t, collector, "supvisors_address_loading", map[string]string{"address": "n1"}); got != 30 {
		t.Errorf("address_loading = %v", got)
	}
	if got := gaugeValue(t, collector, "supvisors_application_failure",
		map[string]string{"application": "movies", "severity": "minor"}); got != 1 {
		t.Errorf("minor failure gauge = %v", got)
	}
	if got := gaugeValue(t, collector, "supvisors_process_locations",
		map[string]string{"application": "movies", "process": "p1"}); got != 2 {
		t.Errorf("process_locations = %v", got)
	}
}

func TestCollector_HistoryBounded(t *testing.T) {
	t.Parallel()

	collector, bus := newRunningCollector(t)
	for i := 0; i < 10; i++ {
		bus.Publish(types.TopicAddress, model.AddressPayload{
			AddressName: "n1", StateCode: 2, Loading: i,
		})
	}
	waitFor(t, func() bool {
		history := collector.History("n1")
		return len(history) == 3 && history[2] == 9
	})
}

func TestCollector_LoadingAverage(t *testing.T) {
	t.Parallel()

	collector, bus := newRunningCollector(t)
	for _, loading := range []int{10, 20, 30} {
		bus.Publish(types.TopicAddress, model.AddressPayload{AddressName: "n2", Loading: loading})
	}
	waitFor(t, func() bool { return len(collector.History("n2")) == 3 })

	if got := gaugeValue(t, collector, "supvisors_address_loading_average",
		map[string]string{"address": "n2", "period": "1m0s"}); got != 20 {
		t.Errorf("loading average = %v, want 20", got)
	}
}

func TestPrometheusRegistry(t *testing.T) {
	t.Parallel()

	collector := NewCollector(Config{StatsHisto: 10}, zerolog.Nop())
	if err := collector.registry.Register(prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "supvisors_cluster_state",
	})); err == nil {
		t.Error("duplicate registration should fail")
	}
}
