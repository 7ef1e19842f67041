// Package metrics holds the Prometheus collectors of the sync engine.
package metrics

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "matchsync"

const (
	MetricProviderRequests = "provider_requests_total"
	MetricQuotaRemaining   = "provider_quota_remaining"
	MetricDocuments        = "documents_total"
	MetricRowsLoaded       = "rows_loaded_total"
	MetricStageDuration    = "stage_duration_seconds"
	MetricRunAttempts      = "run_attempts_total"
	MetricLastSuccess      = "last_success_timestamp_seconds"
)

// Registry is the registry every collector here is registered with. Batch
// runs write it to a textfile on exit.
var Registry = prometheus.NewRegistry()

// ProviderRequests counts provider calls by endpoint and outcome.
var ProviderRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricProviderRequests,
		Help:      "Provider requests by endpoint and outcome.",
	},
	[]string{"endpoint", "outcome"},
)

// QuotaRemaining is the last known remaining provider quota.
var QuotaRemaining = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      MetricQuotaRemaining,
		Help:      "Remaining provider requests for the current day.",
	},
)

// Documents counts documents by entity and what happened to them.
var Documents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricDocuments,
		Help:      "Documents by entity and outcome (persisted, parsed, parse_failed, archived).",
	},
	[]string{"entity", "outcome"},
)

// RowsLoaded counts rows written by entity and operation.
var RowsLoaded = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricRowsLoaded,
		Help:      "Rows written by entity and operation (insert, update).",
	},
	[]string{"entity", "op"},
)

// StageDuration observes pipeline stage wall time.
var StageDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      MetricStageDuration,
		Help:      "Pipeline stage duration by entity, stage, and outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	},
	[]string{"entity", "stage", "outcome"},
)

// RunAttempts counts job runner attempts by entity and outcome.
var RunAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricRunAttempts,
		Help:      "Entity run attempts by outcome.",
	},
	[]string{"entity", "outcome"},
)

// LastSuccess records when each entity last completed.
var LastSuccess = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      MetricLastSuccess,
		Help:      "Unix time of the last successful run per entity.",
	},
	[]string{"entity"},
)

func init() {
	Registry.MustRegister(ProviderRequests)
	Registry.MustRegister(QuotaRemaining)
	Registry.MustRegister(Documents)
	Registry.MustRegister(RowsLoaded)
	Registry.MustRegister(StageDuration)
	Registry.MustRegister(RunAttempts)
	Registry.MustRegister(LastSuccess)
}

// WriteTextfile writes the registry in the node-exporter textfile format.
func WriteTextfile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, Registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
