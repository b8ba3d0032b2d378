// Package metrics holds the Prometheus counters/gauges the core and its
// collaborators update. Kept at package scope with promauto, exactly as
// the teacher's internal/metrics does -- Prometheus's own registry is the
// one piece of "ambient global state" the ecosystem idiom embraces even
// though §9's design notes otherwise steer away from globals.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evmcacheproxy_cache_hits_total",
		Help: "Cache hits, by network and method.",
	}, []string{"network", "method"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evmcacheproxy_cache_misses_total",
		Help: "Cache misses, by network and method.",
	}, []string{"network", "method"})

	CacheSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "evmcacheproxy_cache_size_bytes",
		Help: "Estimated persistent cache size in bytes.",
	})

	CacheItemsCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "evmcacheproxy_cache_items_count",
		Help: "Number of entries in the persistent cache.",
	})

	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evmcacheproxy_upstream_requests_total",
		Help: "Upstream attempts, by network and role (primary/fallback).",
	}, []string{"network", "role"})

	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evmcacheproxy_upstream_errors_total",
		Help: "Upstream attempt failures, by network, role and error class.",
	}, []string{"network", "role", "class"})

	FallbackTaken = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evmcacheproxy_fallback_taken_total",
		Help: "Requests where the fallback upstream's response was used, by network and reason.",
	}, []string{"network", "reason"})

	Coalesced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evmcacheproxy_coalesced_requests_total",
		Help: "Requests that joined an in-flight attempt instead of issuing their own.",
	}, []string{"network", "method"})

	DuplicateThrottled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evmcacheproxy_duplicate_throttled_total",
		Help: "Requests delayed by the duplicate-window throttle.",
	}, []string{"network", "method"})

	ValidationRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evmcacheproxy_validation_rejected_total",
		Help: "Upstream responses rejected by the validator and not cached.",
	}, []string{"network", "method"})

	QueueRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evmcacheproxy_queue_rejected_total",
		Help: "Requests rejected because a network's bounded upstream queue was full.",
	}, []string{"network"})
)
