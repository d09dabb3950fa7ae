// Package metrics holds the daemon's prometheus registry and instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version and Rev can be overridden at build time via -ldflags.
var (
	Version = "dev"
	Rev     = ""
)

var (
	registry = prometheus.NewRegistry()

	DeploysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metaldeployd_deploys_total",
			Help: "Total deploy callbacks by outcome.",
		},
		[]string{"outcome"},
	)
	DeployDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "metaldeployd_deploy_duration_seconds",
			Help:    "Wall time of the deploy pipeline in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)
	CacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metaldeployd_cache_evictions_total",
			Help: "Total evicted cache entries by cache name.",
		},
		[]string{"cache"},
	)
	CacheEvictedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metaldeployd_cache_evicted_bytes_total",
			Help: "Total bytes reclaimed by eviction by cache name.",
		},
		[]string{"cache"},
	)
	CacheFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metaldeployd_cache_fetches_total",
			Help: "Total cache fetches by cache name and result (hit|miss).",
		},
		[]string{"cache", "result"},
	)
	CommandRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "metaldeployd_command_retries_total",
			Help: "Total external command retry attempts.",
		},
	)
	buildInfo = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "metaldeployd_build_info",
		Help:        "Build info of the daemon.",
		ConstLabels: prometheus.Labels{"version": Version, "rev": Rev},
	})
)

func init() {
	registry.MustRegister(
		DeploysTotal,
		DeployDuration,
		CacheEvictionsTotal,
		CacheEvictedBytes,
		CacheFetchesTotal,
		CommandRetriesTotal,
		buildInfo,
	)
	buildInfo.Set(1)
}

// Handler serves the registry for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
