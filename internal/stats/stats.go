package stats

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Process-lifetime counters plus the Prometheus view of them
type Aggregator struct {
	mu               sync.Mutex
	startTime        time.Time
	totalSyncs       int64
	totalClientsEver int64
	lastSync         time.Time

	registry   *prometheus.Registry
	syncsTotal prometheus.Counter
	everTotal  prometheus.Counter
	connected  prometheus.Gauge
}

// Point-in-time view for the HTTP surface
type Stats struct {
	TotalSyncs       int64
	TotalClientsEver int64
	UptimeSeconds    float64
	LastSync         int64
}

func NewAggregator() *Aggregator {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Aggregator{
		startTime: time.Now(),
		registry:  registry,
		syncsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "placesync_syncs_total",
			Help: "Accepted sync payloads since process start.",
		}),
		everTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "placesync_clients_total",
			Help: "Observer connections accepted since process start.",
		}),
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "placesync_connected_clients",
			Help: "Observer connections currently open.",
		}),
	}
}

func (a *Aggregator) RecordIngestion() {
	a.mu.Lock()
	a.totalSyncs++
	a.lastSync = time.Now()
	a.mu.Unlock()

	a.syncsTotal.Inc()
}

func (a *Aggregator) RecordConnect() {
	a.mu.Lock()
	a.totalClientsEver++
	a.mu.Unlock()

	a.everTotal.Inc()
	a.connected.Inc()
}

func (a *Aggregator) RecordDisconnect() {
	a.connected.Dec()
}

// Registry for the /metrics endpoint
func (a *Aggregator) Registry() *prometheus.Registry {
	return a.registry
}

func (a *Aggregator) Snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	var lastSync int64
	if !a.lastSync.IsZero() {
		lastSync = a.lastSync.UnixMilli()
	}

	return Stats{
		TotalSyncs:       a.totalSyncs,
		TotalClientsEver: a.totalClientsEver,
		UptimeSeconds:    time.Since(a.startTime).Seconds(),
		LastSync:         lastSync,
	}
}
