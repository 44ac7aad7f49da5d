package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP
// surface and the code lifecycle.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	codesGenerated  prometheus.Counter
	assignments     *prometheus.CounterVec
	postersRendered *prometheus.CounterVec
	exportPages     prometheus.Counter
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	codesGenerated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qr_codes_generated_total",
		Help: "Total QR codes created by the generator",
	})

	assignments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qr_assignments_total",
		Help: "Assignment attempts by outcome",
	}, []string{"outcome"})

	postersRendered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qr_posters_rendered_total",
		Help: "Poster renders by result",
	}, []string{"result"})

	exportPages := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qr_export_pages_total",
		Help: "Pages produced by bulk exports",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, codesGenerated, assignments, postersRendered, exportPages, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		codesGenerated:  codesGenerated,
		assignments:     assignments,
		postersRendered: postersRendered,
		exportPages:     exportPages,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// AddCodesGenerated counts freshly created codes.
func (m *MetricsService) AddCodesGenerated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.codesGenerated.Add(float64(n))
}

// RecordAssignment counts one assignment attempt by outcome label
// (bound, invalid_format, not_found, already_assigned, conflict).
func (m *MetricsService) RecordAssignment(outcome string) {
	if m == nil {
		return
	}
	m.assignments.WithLabelValues(outcome).Inc()
}

// RecordPosterRender counts one render by result label (ok, failed).
func (m *MetricsService) RecordPosterRender(result string) {
	if m == nil {
		return
	}
	m.postersRendered.WithLabelValues(result).Inc()
}

// AddExportPages counts pages produced by a bulk export.
func (m *MetricsService) AddExportPages(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.exportPages.Add(float64(n))
}
