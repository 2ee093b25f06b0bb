package bluexfer

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bluexfer/bluexfer/xfer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports transfer and API metrics in the Prometheus format. It is an xfer.Notifier.
type Metrics struct {
	registry *prometheus.Registry

	transfersTotal      *prometheus.CounterVec
	transferBytes       *prometheus.CounterVec
	progressEvents      *prometheus.CounterVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors on a fresh registry. Gauges backed by stats report the
// current totals of the xfer counters.
func NewMetrics(stats ...*xfer.Stats) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		transfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bluexfer_transfers_total",
				Help: "Total number of finished transfers",
			},
			[]string{"op", "result"},
		),
		transferBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bluexfer_transfer_bytes_total",
				Help: "Total payload bytes moved by finished transfers",
			},
			[]string{"op"},
		),
		progressEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bluexfer_progress_events_total",
				Help: "Total number of progress notifications",
			},
			[]string{"type"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bluexfer_http_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bluexfer_http_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	if len(stats) > 0 {
		registerStats(factory, stats)
	}

	return m
}

var statGauges = []struct {
	key  int
	name string
	help string
}{
	{xfer.StatDownloadsInProgress, "bluexfer_downloads_in_progress", "Downloads currently streaming"},
	{xfer.StatUploadsInProgress, "bluexfer_uploads_in_progress", "Uploads currently streaming"},
	{xfer.StatConnectionCounter, "bluexfer_connections", "Transports opened since start"},
	{xfer.StatBytesSent, "bluexfer_bytes_sent", "Bytes written to peers since start"},
	{xfer.StatBytesReceived, "bluexfer_bytes_received", "Bytes read from peers since start"},
}

// registerStats exports the sum of each stat over stats.
func registerStats(factory promauto.Factory, stats []*xfer.Stats) {
	for _, g := range statGauges {
		key := g.key
		factory.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 {
				var n int
				for _, s := range stats {
					n += s.Get(key)
				}
				return float64(n)
			},
		)
	}
}

func (m *Metrics) Notify(e xfer.Event) {
	switch e.Type {
	case xfer.EventDownloadProgress, xfer.EventUploadProgress:
		m.progressEvents.WithLabelValues(string(e.Type)).Inc()
	case xfer.EventTransferComplete, xfer.EventFileReceived:
		m.transfersTotal.WithLabelValues(e.Op, "success").Inc()
		m.transferBytes.WithLabelValues(e.Op).Add(float64(e.Transferred))
	case xfer.EventTransferFailed:
		m.transfersTotal.WithLabelValues(e.Op, "failure").Inc()
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records the method, path and status of every API request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := NewLogResponseWriter(w)
		next.ServeHTTP(lrw, r)

		m.httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(lrw.statusCode)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}
