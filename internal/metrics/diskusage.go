package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/disk"
)

// RegisterCacheDirUsage exposes used/free gauges for the filesystem backing
// a cache master directory. Sampled on scrape.
func RegisterCacheDirUsage(cache, path string) {
	labels := prometheus.Labels{"cache": cache}
	registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "metaldeployd_cache_fs_used_bytes",
			Help:        "Used bytes on the filesystem backing the cache master dir.",
			ConstLabels: labels,
		}, func() float64 {
			u, err := disk.Usage(path)
			if err != nil {
				return 0
			}
			return float64(u.Used)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "metaldeployd_cache_fs_free_bytes",
			Help:        "Free bytes on the filesystem backing the cache master dir.",
			ConstLabels: labels,
		}, func() float64 {
			u, err := disk.Usage(path)
			if err != nil {
				return 0
			}
			return float64(u.Free)
		}),
	)
}
