package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fileserver"

// Exporter owns the Prometheus collectors of one file server
type Exporter struct {
	registry *prometheus.Registry

	downloads        *prometheus.CounterVec
	downloadBytes    prometheus.Counter
	downloadDuration prometheus.Histogram
	downloadErrors   *prometheus.CounterVec
	connections      *prometheus.CounterVec
	rejected         *prometheus.CounterVec
	activeClients    prometheus.Gauge
	subscribers      prometheus.Gauge
	framesSent       prometheus.Counter
}

// NewExporter creates an exporter with its own registry so several servers
// (and tests) can live in one process.
func NewExporter() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Completed downloads by file",
		}, []string{"file"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Bytes streamed to download clients",
		}),
		downloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "download_duration_seconds",
			Help:      "Time spent streaming a file",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		downloadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_errors_total",
			Help:      "Downloads that failed by reason",
		}, []string{"reason"}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Accepted connections by command",
		}, []string{"command"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_connections_total",
			Help:      "Connections closed before dispatch by reason",
		}, []string{"reason"}),
		activeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_clients",
			Help:      "Connection slots currently in use",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stats_subscribers",
			Help:      "Connected statistics subscribers",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_frames_sent_total",
			Help:      "Statistics frames written to subscribers",
		}),
	}

	e.registry.MustRegister(
		e.downloads,
		e.downloadBytes,
		e.downloadDuration,
		e.downloadErrors,
		e.connections,
		e.rejected,
		e.activeClients,
		e.subscribers,
		e.framesSent,
		versioncollector.NewCollector(namespace),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return e
}

// Registry exposes the underlying registry
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler serves the registry in the Prometheus exposition format
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry})
}

// ObserveDownload records a finished transfer
func (e *Exporter) ObserveDownload(file string, bytes int64, elapsed time.Duration) {
	e.downloads.WithLabelValues(file).Inc()
	e.downloadBytes.Add(float64(bytes))
	e.downloadDuration.Observe(elapsed.Seconds())
}

// DownloadFailed counts a failed transfer
func (e *Exporter) DownloadFailed(reason string) {
	e.downloadErrors.WithLabelValues(reason).Inc()
}

// ConnectionAccepted counts a dispatched connection
func (e *Exporter) ConnectionAccepted(command string) {
	e.connections.WithLabelValues(command).Inc()
}

// ConnectionRejected counts a connection closed before dispatch
func (e *Exporter) ConnectionRejected(reason string) {
	e.rejected.WithLabelValues(reason).Inc()
}

// SetActiveClients updates the slot gauge
func (e *Exporter) SetActiveClients(n int) {
	e.activeClients.Set(float64(n))
}

// SetSubscribers updates the subscriber gauge
func (e *Exporter) SetSubscribers(n int) {
	e.subscribers.Set(float64(n))
}

// FramesSent counts frames pushed to subscribers
func (e *Exporter) FramesSent(n int) {
	e.framesSent.Add(float64(n))
}
