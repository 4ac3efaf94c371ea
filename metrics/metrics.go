/*
Package metrics holds the process-wide Prometheus collectors.

Collectors are registered on the default registry via promauto and served
by the /metrics endpoint in api/server.go. Label cardinality is kept
bounded: counter keys and operation names only, never record IDs.
*/
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts read-through cache hits per dataset class.
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "cache_hits_total",
		Help:      "Read-through cache hits by dataset class.",
	}, []string{"dataset"})

	// CacheMisses counts read-through cache misses per dataset class.
	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "cache_misses_total",
		Help:      "Read-through cache misses by dataset class.",
	}, []string{"dataset"})

	// LockTimeouts counts bounded-wait lock acquisitions that timed out.
	LockTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "lock_timeouts_total",
		Help:      "Mutation lock acquisitions that exceeded their bounded wait.",
	}, []string{"operation"})

	// SequencesIssued counts issued sequence values per counter key kind.
	SequencesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "sequences_issued_total",
		Help:      "Sequence values issued by the allocator.",
	}, []string{"counter"})

	// RowsDeleted counts physical rows removed by the batch deleter.
	RowsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "rows_deleted_total",
		Help:      "Physical table rows removed by batched range deletion.",
	})

	// DeleteCalls counts underlying range-delete calls after coalescing.
	DeleteCalls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "delete_range_calls_total",
		Help:      "Range-delete calls issued after coalescing row sets.",
	})
)
