package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/evsnow/ingest/internal/mapping"
	"github.com/evsnow/ingest/internal/retry"
)

// Metrics exposes each mapping's Stats() and the retry engine's Stats()
// as prometheus gauges on a shared registry, served by the status HTTP
// server's /metrics endpoint. Gauges (not counters) since mapping.Stats
// and retry.Stats are already cumulative snapshots the caller re-sets on
// every poll, rather than deltas this package would have to track itself.
type Metrics struct {
	registry *prometheus.Registry

	messagesProcessed *prometheus.GaugeVec
	batchesProcessed  *prometheus.GaugeVec
	mappingErrors     *prometheus.GaugeVec

	retryAttempts prometheus.Gauge
	retryCacheHit prometheus.Gauge
}

// NewMetrics constructs a Metrics collector with its own registry, so the
// status HTTP server can serve exactly these series without picking up
// Go runtime defaults the default prometheus registry adds automatically.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		messagesProcessed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "evsnow",
			Name:      "mapping_messages_processed_total",
			Help:      "Messages processed by a mapping since process start.",
		}, []string{"mapping"}),
		batchesProcessed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "evsnow",
			Name:      "mapping_batches_processed_total",
			Help:      "Batches ingested by a mapping since process start.",
		}, []string{"mapping"}),
		mappingErrors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "evsnow",
			Name:      "mapping_errors_total",
			Help:      "Errors recorded by a mapping since process start.",
		}, []string{"mapping"}),
		retryAttempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "evsnow",
			Name:      "retry_attempts_total",
			Help:      "Attempts made by the retry engine since process start.",
		}),
		retryCacheHit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "evsnow",
			Name:      "retry_cache_hits_total",
			Help:      "Advisory decision cache hits since process start.",
		}),
	}
	reg.MustRegister(m.messagesProcessed, m.batchesProcessed, m.mappingErrors, m.retryAttempts, m.retryCacheHit)
	return m
}

// Registry returns the underlying prometheus registry for a
// promhttp.HandlerFor call.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveMappings sets the per-mapping gauges from a fresh stats snapshot.
func (m *Metrics) ObserveMappings(stats []mapping.Stats) {
	for _, s := range stats {
		m.messagesProcessed.WithLabelValues(s.Name).Set(float64(s.MessagesProcessed))
		m.batchesProcessed.WithLabelValues(s.Name).Set(float64(s.BatchesProcessed))
		m.mappingErrors.WithLabelValues(s.Name).Set(float64(s.Errors))
	}
}

// ObserveRetry sets the retry-engine-wide gauges from a fresh snapshot.
func (m *Metrics) ObserveRetry(stats retry.Stats) {
	m.retryAttempts.Set(float64(stats.AttemptsTotal))
	m.retryCacheHit.Set(float64(stats.CacheHits))
}
