// Package metrics exposes the Prometheus counters and gauges the pipeline
// controller updates once per cycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric the controller and content pool touch.
type Registry struct {
	CyclesTotal             prometheus.Counter
	CyclesFailedTotal       prometheus.Counter
	TransactionsIndexedTotal prometheus.Counter
	NodesDeletedTotal       prometheus.Counter
	ContentFetchedTotal     prometheus.Counter
	ContentSkippedTotal     prometheus.Counter
	CursorValue             prometheus.Gauge
}

// New registers and returns a Registry on reg. Passing nil registers on the
// default Prometheus registry.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		CyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "indexer_cycles_total",
			Help: "Total number of pipeline cycles that completed without error.",
		}),
		CyclesFailedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "indexer_cycles_failed_total",
			Help: "Total number of pipeline cycles that failed while bulk indexing or deleting nodes; failures in other phases are not counted.",
		}),
		TransactionsIndexedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "indexer_transactions_indexed_total",
			Help: "Total number of nodes upserted into the search index.",
		}),
		NodesDeletedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "indexer_nodes_deleted_total",
			Help: "Total number of nodes removed from the search index.",
		}),
		ContentFetchedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "indexer_content_fetched_total",
			Help: "Total number of content-fetch jobs that completed successfully.",
		}),
		ContentSkippedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "indexer_content_skipped_total",
			Help: "Total number of content-fetch jobs skipped (no eligible content).",
		}),
		CursorValue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "indexer_cursor_value",
			Help: "Last transaction ID durably recorded as processed.",
		}),
	}
}
