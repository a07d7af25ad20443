// Package metrics exposes the dispatcher's observable events as
// Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueriesTotal tracks total DNS queries the dispatcher has
	// allocated a slot for, by outcome.
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dnsproxy_queries_total",
		Help: "Total number of DNS queries processed, by outcome",
	}, []string{"outcome"}) // cache_hit, upstream, timeout, parse_error, slab_exhausted

	// QueryDuration tracks end-to-end query latency from allocation to
	// ResponseReady (or destruction).
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dnsproxy_query_duration_seconds",
		Help:    "Histogram of query processing duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	// CacheOperations tracks cache hits and misses.
	CacheOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dnsproxy_cache_operations_total",
		Help: "Total number of cache hits and misses",
	}, []string{"result"}) // hit, miss

	// FanOutRaces tracks which upstream won or lost a multi-upstream
	// fan-out race.
	FanOutRaces = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dnsproxy_fanout_races_total",
		Help: "Total number of upstream fan-out race outcomes",
	}, []string{"result"}) // won, lost, discarded_stale_txid

	// QuerySlabInUse and DatagramSlabInUse report live slot counts so
	// an operator can see how close to exhaustion the slabs are.
	QuerySlabInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dnsproxy_query_slab_in_use",
		Help: "Number of query slab slots currently allocated",
	})
	DatagramSlabInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dnsproxy_datagram_slab_in_use",
		Help: "Number of upstream datagram slab slots currently allocated",
	})

	// TimeoutsTotal counts queries destroyed by their armed timeout
	// firing before any upstream reached ResponseReady.
	TimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dnsproxy_timeouts_total",
		Help: "Total number of queries destroyed by timeout",
	})
)
