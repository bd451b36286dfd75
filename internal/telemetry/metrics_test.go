package telemetry

import (
	"testing"

	"github.com/evsnow/ingest/internal/mapping"
	"github.com/evsnow/ingest/internal/retry"
)

func gaugeValue(t *testing.T, m *Metrics, name, label string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if label == "" {
				return metric.GetGauge().GetValue()
			}
			for _, lp := range metric.GetLabel() {
				if lp.GetValue() == label {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s (label %s) not found", name, label)
	return 0
}

func TestMetrics_ObserveMappingsSetsPerMappingGauges(t *testing.T) {
	m := NewMetrics()
	m.ObserveMappings([]mapping.Stats{
		{Name: "orders", MessagesProcessed: 10, BatchesProcessed: 2, Errors: 1},
	})

	if got := gaugeValue(t, m, "evsnow_mapping_messages_processed_total", "orders"); got != 10 {
		t.Fatalf("expected 10 messages processed, got %v", got)
	}
	if got := gaugeValue(t, m, "evsnow_mapping_errors_total", "orders"); got != 1 {
		t.Fatalf("expected 1 error, got %v", got)
	}
}

func TestMetrics_ObserveRetrySetsEngineWideGauges(t *testing.T) {
	m := NewMetrics()
	m.ObserveRetry(retry.Stats{AttemptsTotal: 42, CacheHits: 7})

	if got := gaugeValue(t, m, "evsnow_retry_attempts_total", ""); got != 42 {
		t.Fatalf("expected 42 attempts, got %v", got)
	}
	if got := gaugeValue(t, m, "evsnow_retry_cache_hits_total", ""); got != 7 {
		t.Fatalf("expected 7 cache hits, got %v", got)
	}
}
