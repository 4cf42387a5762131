// Package metrics собирает Prometheus-метрики тестового бэкенда.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "raw2insight"

// Metrics: HTTP-метрики и метрики задач обработки.
type Metrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	jobsTotal      *prometheus.CounterVec
	jobsInProgress prometheus.Gauge
}

// New создаёт набор метрик с собственным реестром.
func New(service string) *Metrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "requests_total",
			Help:        "Total HTTP requests processed.",
			ConstLabels: prometheus.Labels{"service": service},
		},
		[]string{"method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "request_duration_seconds",
			Help:        "HTTP request duration in seconds.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: prometheus.Labels{"service": service},
		},
		[]string{"method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "in_flight_requests",
			Help:        "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{"service": service},
		},
	)
	jobsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "jobs",
			Name:        "finished_total",
			Help:        "Total processing jobs that reached a terminal status.",
			ConstLabels: prometheus.Labels{"service": service},
		},
		[]string{"status"},
	)
	jobsInProgress := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "jobs",
			Name:        "in_progress",
			Help:        "Number of jobs not yet in a terminal status.",
			ConstLabels: prometheus.Labels{"service": service},
		},
	)

	registry.MustRegister(requestTotal, requestDuration, requestInFlight, jobsTotal, jobsInProgress)

	return &Metrics{
		registry:        registry,
		requestTotal:    requestTotal,
		requestDuration: requestDuration,
		requestInFlight: requestInFlight,
		jobsTotal:       jobsTotal,
		jobsInProgress:  jobsInProgress,
	}
}

// Handler отдаёт метрики в формате Prometheus.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware считает запросы. Путь берётся из шаблона маршрута chi, чтобы id задач не раздували кардинальность.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := routePattern(r)

		m.requestTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		m.requestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// JobStarted отмечает новую задачу.
func (m *Metrics) JobStarted() {
	m.jobsInProgress.Inc()
}

// JobFinished отмечает переход задачи в терминальный статус.
func (m *Metrics) JobFinished(status string) {
	m.jobsInProgress.Dec()
	m.jobsTotal.WithLabelValues(status).Inc()
}

// JobDropped отмечает удаление незавершённой задачи.
func (m *Metrics) JobDropped() {
	m.jobsInProgress.Dec()
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
