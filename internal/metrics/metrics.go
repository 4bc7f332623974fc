// Package metrics provides Prometheus metrics for the chunkshare node.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chunkshare_connections_active",
			Help: "Number of connections currently being served",
		},
	)

	connectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chunkshare_connections_total",
			Help: "Total number of accepted connections",
		},
	)

	// Request metrics
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkshare_requests_total",
			Help: "Total number of protocol requests",
		},
		[]string{"command", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chunkshare_request_duration_seconds",
			Help:    "Protocol request handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	chunkBytesServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chunkshare_chunk_bytes_served_total",
			Help: "Total plaintext bytes served through download_chunk",
		},
	)

	// Catalog metrics
	catalogFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chunkshare_catalog_files",
			Help: "Number of files in the catalog",
		},
	)

	catalogScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chunkshare_catalog_scan_duration_seconds",
			Help:    "Time to rescan and hash the share directory",
			Buckets: prometheus.DefBuckets,
		},
	)

	catalogScanErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chunkshare_catalog_scan_errors_total",
			Help: "Total failed catalog scans",
		},
	)

	catalogChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkshare_catalog_changes_total",
			Help: "Total catalog change events published",
		},
		[]string{"type"},
	)

	watcherMode = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chunkshare_watcher_mode",
			Help: "Active directory watcher mode (1 = active)",
		},
		[]string{"mode"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ConnectionOpened records an accepted connection.
func ConnectionOpened() {
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

// ConnectionClosed records a finished connection.
func ConnectionClosed() {
	connectionsActive.Dec()
}

// RecordRequest records a handled request.
func RecordRequest(command string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	requestsTotal.WithLabelValues(command, status).Inc()
	requestDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordChunkServed records plaintext bytes sent in a chunk.
func RecordChunkServed(bytes int) {
	chunkBytesServed.Add(float64(bytes))
}

// SetCatalogFiles sets the current catalog size.
func SetCatalogFiles(count int) {
	catalogFiles.Set(float64(count))
}

// RecordCatalogScan records a scan's duration and outcome.
func RecordCatalogScan(duration time.Duration, success bool) {
	catalogScanDuration.Observe(duration.Seconds())
	if !success {
		catalogScanErrors.Inc()
	}
}

// RecordCatalogChange records a published catalog change event.
func RecordCatalogChange(eventType string) {
	catalogChangesTotal.WithLabelValues(eventType).Inc()
}

// SetWatcherMode marks mode as the active watcher mode.
func SetWatcherMode(mode string) {
	watcherMode.Reset()
	if mode != "" {
		watcherMode.WithLabelValues(mode).Set(1)
	}
}
