// Package metrics exports the statistics of the cluster as Prometheus
// series, fed from the event stream.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/supvisors/supvisors/internal/event"
	"github.com/supvisors/supvisors/internal/model"
	"github.com/supvisors/supvisors/pkg/types"
)

// Config sizes the collector.
type Config struct {
	Port         int
	StatsPeriods []time.Duration
	StatsHisto   int
}

// sample is one point of the loading history of a node.
type sample struct {
	at      time.Time
	loading int
}

// Collector consumes the event bus and maintains the cluster gauges plus a
// bounded loading history per node.
type Collector struct {
	logger   zerolog.Logger
	config   Config
	registry *prometheus.Registry

	clusterState    prometheus.Gauge
	addressState    *prometheus.GaugeVec
	addressLoading  *prometheus.GaugeVec
	loadingAverage  *prometheus.GaugeVec
	appState        *prometheus.GaugeVec
	appFailure      *prometheus.GaugeVec
	processState    *prometheus.GaugeVec
	processRunning  *prometheus.GaugeVec
	eventsProcessed *prometheus.CounterVec

	mu      sync.Mutex
	history map[string][]sample

	server *http.Server
}

// NewCollector creates the collector and registers its series.
func NewCollector(config Config, logger zerolog.Logger) *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		logger:   logger.With().Str("component", "metrics").Logger(),
		config:   config,
		registry: registry,
		history:  make(map[string][]sample),
		clusterState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "supvisors", Name: "cluster_state",
			Help: "Current cluster state code.",
		}),
		addressState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "supvisors", Name: "address_state",
			Help: "State code of each node.",
		}, []string{"address"}),
		addressLoading: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "supvisors", Name: "address_loading",
			Help: "Declared loading currently placed on each node.",
		}, []string{"address"}),
		loadingAverage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "supvisors", Name: "address_loading_average",
			Help: "Loading averaged over the configured statistics periods.",
		}, []string{"address", "period"}),
		appState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "supvisors", Name: "application_state",
			Help: "State code of each application.",
		}, []string{"application"}),
		appFailure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "supvisors", Name: "application_failure",
			Help: "Failure flags of each application (1 when raised).",
		}, []string{"application", "severity"}),
		processState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "supvisors", Name: "process_state",
			Help: "State code of each process.",
		}, []string{"application", "process"}),
		processRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "supvisors", Name: "process_locations",
			Help: "Number of nodes currently running each process.",
		}, []string{"application", "process"}),
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supvisors", Name: "events_total",
			Help: "Deltas observed per topic.",
		}, []string{"topic"}),
	}
	registry.MustRegister(c.clusterState, c.addressState, c.addressLoading, c.loadingAverage,
		c.appState, c.appFailure, c.processState, c.processRunning, c.eventsProcessed)
	return c
}

// Run consumes the bus and serves the metrics endpoint until cancellation.
func (c *Collector) Run(ctx context.Context, bus *event.Bus) error {
	messages, cancel := bus.Subscribe(1024)
	defer cancel()

	if c.config.Port > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
		c.server = &http.Server{
			Addr:    addrOf(c.config.Port),
			Handler: mux,
		}
		go func() {
			if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				c.logger.Warn().Err(err).Msg("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancelShutdown()
			_ = c.server.Shutdown(shutdownCtx)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			c.observe(message)
		}
	}
}

func (c *Collector) observe(message event.Message) {
	c.eventsProcessed.WithLabelValues(string(message.Topic)).Inc()
	switch message.Topic {
	case types.TopicSupvisors:
		if payload, ok := message.Payload.(model.SupvisorsPayload); ok {
			c.clusterState.Set(float64(payload.StateCode))
		}
	case types.TopicAddress:
		if payload, ok := message.Payload.(model.AddressPayload); ok {
			c.addressState.WithLabelValues(payload.AddressName).Set(float64(payload.StateCode))
			c.addressLoading.WithLabelValues(payload.AddressName).Set(float64(payload.Loading))
			c.record(payload.AddressName, payload.Loading)
		}
	case types.TopicApplication:
		if payload, ok := message.Payload.(model.ApplicationPayload); ok {
			c.appState.WithLabelValues(payload.ApplicationName).Set(float64(payload.StateCode))
			c.appFailure.WithLabelValues(payload.ApplicationName, "major").Set(boolGauge(payload.MajorFailure))
			c.appFailure.WithLabelValues(payload.ApplicationName, "minor").Set(boolGauge(payload.MinorFailure))
		}
	case types.TopicProcess:
		if payload, ok := message.Payload.(model.ProcessPayload); ok {
			c.processState.WithLabelValues(payload.ApplicationName, payload.ProcessName).
				Set(float64(payload.StateCode))
			c.processRunning.WithLabelValues(payload.ApplicationName, payload.ProcessName).
				Set(float64(len(payload.Addresses)))
		}
	}
}

// record appends a loading sample and refreshes the per-period averages.
func (c *Collector) record(address string, loading int) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	history := append(c.history[address], sample{at: now, loading: loading})
	if len(history) > c.config.StatsHisto {
		history = history[len(history)-c.config.StatsHisto:]
	}
	c.history[address] = history

	for _, period := range c.config.StatsPeriods {
		sum, count := 0, 0
		for _, s := range history {
			if now.Sub(s.at) <= period {
				sum += s.loading
				count++
			}
		}
		if count > 0 {
			c.loadingAverage.WithLabelValues(address, period.String()).
				Set(float64(sum) / float64(count))
		}
	}
}

// History returns the retained loading samples of a node.
func (c *Collector) History(address string) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	loadings := make([]int, 0, len(c.history[address]))
	for _, s := range c.history[address] {
		loadings = append(loadings, s.loading)
	}
	return loadings
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func addrOf(port int) string {
	return fmt.Sprintf(":%d", port)
}
