package download

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks downloader activity
type Metrics struct {
	Downloads        *prometheus.CounterVec
	LocationFailures *prometheus.CounterVec
	PartsFetched     *prometheus.CounterVec
	PartsUnchanged   *prometheus.CounterVec
	DownloadDuration prometheus.Histogram
	FederatedSources prometheus.Gauge
}

// NewMetrics creates and registers downloader metrics. A nil registry uses
// the default registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &Metrics{
		Downloads: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "globalconf_downloads_total",
			Help: "Source downloads by result",
		}, []string{"instance", "result"}),
		LocationFailures: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "globalconf_location_failures_total",
			Help: "Failed location attempts by error kind",
		}, []string{"instance", "kind"}),
		PartsFetched: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "globalconf_parts_fetched_total",
			Help: "Configuration parts fetched, verified and persisted",
		}, []string{"content_identifier"}),
		PartsUnchanged: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "globalconf_parts_unchanged_total",
			Help: "Configuration parts whose local copy was up to date",
		}, []string{"content_identifier"}),
		DownloadDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "globalconf_download_duration_seconds",
			Help:    "Duration of source downloads",
			Buckets: prometheus.DefBuckets,
		}),
		FederatedSources: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "globalconf_federated_sources",
			Help: "Sources declared by federation partners in the last download",
		}),
	}
}
