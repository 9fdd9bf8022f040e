package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the API
type Metrics struct {
	// HTTP request metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight *prometheus.GaugeVec

	// Record store metrics
	recordsRemovedTotal *prometheus.CounterVec
	userMsgBytesTotal   prometheus.Counter
	dumpsTriggeredTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics. The gauge
// callbacks sample live store state at scrape time.
func NewMetrics(entries func() int, ecc ECCStats) *Metrics {
	m := &Metrics{
		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "muninn_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "muninn_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		httpRequestsInFlight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "muninn_http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
			[]string{"method", "endpoint"},
		),

		recordsRemovedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "muninn_records_removed_total",
				Help: "Total number of records removed through the API",
			},
			[]string{"status"},
		),

		userMsgBytesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "muninn_usermsg_bytes_total",
				Help: "Total user message bytes accepted through the API",
			},
		),

		dumpsTriggeredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "muninn_dumps_triggered_total",
				Help: "Total crash captures triggered through the API",
			},
			[]string{"reason"},
		),
	}

	if entries != nil {
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "muninn_records_published",
			Help: "Records currently published for inspection",
		}, func() float64 { return float64(entries()) })
	}
	if ecc != nil {
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "muninn_ecc_corrected_bytes",
			Help: "Cumulative bytes corrected by ECC across all zones",
		}, func() float64 { return float64(ecc.CorrectedBytes()) })
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "muninn_ecc_bad_blocks",
			Help: "Cumulative unrecoverable ECC blocks across all zones",
		}, func() float64 { return float64(ecc.BadBlocks()) })
	}

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	statusCodeStr := strconv.Itoa(statusCode)

	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCodeStr).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordRemoval records a record removal attempt
func (m *Metrics) RecordRemoval(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.recordsRemovedTotal.WithLabelValues(status).Inc()
}

// RecordUserMsg records accepted user message bytes
func (m *Metrics) RecordUserMsg(n int) {
	m.userMsgBytesTotal.Add(float64(n))
}

// RecordDump records an operator-triggered capture
func (m *Metrics) RecordDump(reason string) {
	m.dumpsTriggeredTotal.WithLabelValues(reason).Inc()
}

// InstrumentHandler instruments an HTTP handler with metrics
func (m *Metrics) InstrumentHandler(method, endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		gauge := m.httpRequestsInFlight.WithLabelValues(method, endpoint)
		gauge.Inc()
		defer gauge.Dec()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(rw, r)

		m.RecordHTTPRequest(method, endpoint, rw.statusCode, time.Since(start))
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
