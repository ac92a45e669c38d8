// Package metrics holds the Prometheus collectors for the query engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FetchTotal counts partition page fetches by mode (prefetch, sync) and status.
	FetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docquery_fetch_total",
			Help: "Total number of partition page fetches",
		},
		[]string{"mode", "status"},
	)
	// FetchDuration is the latency of partition page fetches.
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docquery_fetch_duration_seconds",
			Help:    "Partition page fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)
	// RequestCharge accumulates the charge reported by the backend.
	RequestCharge = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docquery_request_charge_total",
		Help: "Total request charge consumed by cross-partition queries",
	})
	// BufferedItems tracks rows fetched but not yet consumed, across queries.
	BufferedItems = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docquery_buffered_items",
		Help: "Rows buffered by partition producers and not yet consumed",
	})
	// PrefetchSubmitted counts prefetch submissions by outcome.
	PrefetchSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docquery_prefetch_submissions_total",
			Help: "Prefetch task submissions by outcome (accepted, duplicate, stopped)",
		},
		[]string{"outcome"},
	)
	// PrefetchRunning is the number of prefetch tasks currently executing.
	PrefetchRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docquery_prefetch_running",
		Help: "Prefetch tasks currently executing",
	})
	// SplitsHandled counts ranges replaced after a split was detected mid-drain.
	SplitsHandled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docquery_splits_handled_total",
		Help: "Ranges replaced by their children after a partition split",
	})
	// RoutingRefreshes counts routing map reads from the topology source.
	RoutingRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docquery_routing_refreshes_total",
			Help: "Routing map reads from the topology source",
		},
		[]string{"forced"},
	)
)

// RecordFetch records one page fetch.
func RecordFetch(mode, status string, d time.Duration) {
	FetchTotal.WithLabelValues(mode, status).Inc()
	FetchDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
