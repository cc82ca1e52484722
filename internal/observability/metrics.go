package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// ingest pipeline and query API.
type Metrics struct {
	FilesIngested   *prometheus.CounterVec // labels: outcome={stored,failed,skipped}
	FieldsProcessed *prometheus.CounterVec // labels: outcome={stored,decode_error,transform_error,conflict}
	PointsStored    prometheus.Counter
	DownloadRetries prometheus.Counter
	IngestRunning   prometheus.Gauge

	InFlightDownloads prometheus.Gauge
	InFlightDecodes   prometheus.Gauge

	DecodeDuration     prometheus.Histogram
	FileIngestDuration prometheus.Histogram

	// Geocoding metrics.
	GeocodeRequests *prometheus.CounterVec // labels: outcome={success,error,empty}
	GeocodeCache    *prometheus.CounterVec // labels: result={hit,miss}

	// Query API metrics.
	APIRequestDuration *prometheus.HistogramVec // labels: route
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.FilesIngested,
		m.FieldsProcessed,
		m.PointsStored,
		m.DownloadRetries,
		m.IngestRunning,
		m.InFlightDownloads,
		m.InFlightDecodes,
		m.DecodeDuration,
		m.FileIngestDuration,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.APIRequestDuration,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		FilesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridpoint",
			Name:      "files_ingested_total",
			Help:      "Forecast files processed by final outcome.",
		}, []string{"outcome"}),
		FieldsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridpoint",
			Name:      "fields_processed_total",
			Help:      "Per-file source fields processed by outcome.",
		}, []string{"outcome"}),
		PointsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gridpoint",
			Name:      "points_stored_total",
			Help:      "Normalized data points written to the store.",
		}),
		DownloadRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gridpoint",
			Name:      "download_retries_total",
			Help:      "Transient download failures that were retried.",
		}),
		IngestRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gridpoint",
			Name:      "ingest_running",
			Help:      "1 when the ingest orchestrator is active, 0 when shut down.",
		}),
		InFlightDownloads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gridpoint",
			Name:      "in_flight_downloads",
			Help:      "Downloads currently holding a download slot.",
		}),
		InFlightDecodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gridpoint",
			Name:      "in_flight_decodes",
			Help:      "Files currently holding a decode slot.",
		}),
		DecodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gridpoint",
			Name:      "decode_duration_seconds",
			Help:      "Time to decode all bands of one file.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		FileIngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gridpoint",
			Name:      "file_ingest_duration_seconds",
			Help:      "Time from download start to stored for one file.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridpoint",
			Name:      "geocode_requests_total",
			Help:      "Geocoding API requests by outcome.",
		}, []string{"outcome"}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridpoint",
			Name:      "geocode_cache_total",
			Help:      "Geocoding cache lookups by result.",
		}, []string{"result"}),
		APIRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gridpoint",
			Name:      "api_request_duration_seconds",
			Help:      "Query API request duration by route.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"route"}),
	}
}
