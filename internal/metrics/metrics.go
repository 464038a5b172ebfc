// Package metrics runs the per-instance scrape loop and fans snapshots out
// to subscribed consumers (WebSocket sessions via internal/streamhub),
// persists them into the state store, and exposes process-wide Prometheus
// gauges, per spec.md §4.H.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Gauges and histograms are package vars in the teacher's style
// (pkg/metrics/metrics.go): registered once, updated by the scraper's
// collect loop instead of per-request. InstancesByStatus is registered but
// no code path sets it.
var (
	InstancesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "datify_instances_total",
			Help: "Number of database instances by engine and status",
		},
		[]string{"engine", "status"},
	)

	ScrapeLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datify_scrape_duration_seconds",
			Help:    "Duration of a single instance metrics scrape",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"engine"},
	)

	ScrapeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datify_scrape_failures_total",
			Help: "Total number of failed metrics scrapes by instance engine",
		},
		[]string{"engine"},
	)

	ScrapesStoppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datify_scrapes_stopped_total",
			Help: "Total number of instances whose scraper was stopped after exceeding the consecutive-failure threshold",
		},
		[]string{"engine"},
	)

	BroadcastSubscribersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "datify_metrics_subscribers",
			Help: "Current number of live metrics broadcast subscribers across all instances",
		},
	)
)

// Register adds all of this package's collectors to reg. Call once at
// daemon startup with prometheus.DefaultRegisterer (or a test registry).
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		InstancesByStatus,
		ScrapeLatencySeconds,
		ScrapeFailuresTotal,
		ScrapesStoppedTotal,
		BroadcastSubscribersGauge,
	)
}
