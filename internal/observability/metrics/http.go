package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	uploadsTotal     *prometheus.CounterVec
	correctionsTotal *prometheus.CounterVec
	approvalsTotal   *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ksef",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ksef",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ksef",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	uploadsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ksef",
			Subsystem: "invoices",
			Name:      "uploads_total",
			Help:      "Total accepted invoice uploads.",
		},
		[]string{"service"},
	)
	correctionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ksef",
			Subsystem: "invoices",
			Name:      "corrections_total",
			Help:      "Total applied field corrections.",
		},
		[]string{"service"},
	)
	approvalsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ksef",
			Subsystem: "invoices",
			Name:      "approvals_total",
			Help:      "Total invoice approvals.",
		},
		[]string{"service"},
	)
	retriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ksef",
			Subsystem: "invoices",
			Name:      "manual_retries_total",
			Help:      "Total manual retry requests by target stage.",
		},
		[]string{"service", "stage"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		uploadsTotal,
		correctionsTotal,
		approvalsTotal,
		retriesTotal,
	)

	return &HTTPServerMetrics{
		registry:         registry,
		requestTotal:     requestTotal,
		requestDuration:  requestDuration,
		requestInFlight:  requestInFlight,
		uploadsTotal:     uploadsTotal,
		correctionsTotal: correctionsTotal,
		approvalsTotal:   approvalsTotal,
		retriesTotal:     retriesTotal,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath keeps label cardinality bounded by collapsing resource ids.
func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/invoices/"):
		rest := strings.TrimPrefix(path, "/v1/invoices/")
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			return "/v1/invoices/{invoice_id}/" + rest[idx+1:]
		}
		return "/v1/invoices/{invoice_id}"
	case strings.HasPrefix(path, "/v1/jobs/"):
		return "/v1/jobs/{job_id}"
	default:
		return path
	}
}

func (m *HTTPServerMetrics) RecordUpload(service string) {
	m.uploadsTotal.WithLabelValues(service).Inc()
}

func (m *HTTPServerMetrics) RecordCorrections(service string, count int) {
	if count <= 0 {
		return
	}
	m.correctionsTotal.WithLabelValues(service).Add(float64(count))
}

func (m *HTTPServerMetrics) RecordApproval(service string) {
	m.approvalsTotal.WithLabelValues(service).Inc()
}

func (m *HTTPServerMetrics) RecordManualRetry(service, stage string) {
	if stage == "" {
		stage = "unknown"
	}
	m.retriesTotal.WithLabelValues(service, stage).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

func (w *statusRecorder) Push(target string, opts *http.PushOptions) error {
	pusher, ok := w.ResponseWriter.(http.Pusher)
	if !ok {
		return http.ErrNotSupported
	}
	return pusher.Push(target, opts)
}
