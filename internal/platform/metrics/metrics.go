// Package metrics owns the Prometheus registry for the service and the
// collectors shared by the HTTP layer and the patient store.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Create outcomes recorded in patient_create_total.
const (
	ResultCreated   = "created"
	ResultDuplicate = "duplicate"
	ResultInvalid   = "invalid"
	ResultError     = "error"
)

// Metrics groups the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPActiveConnections prometheus.Gauge
	PatientCreateTotal    *prometheus.CounterVec
	StoreOperationSeconds *prometheus.HistogramVec
	StoreErrorsTotal      *prometheus.CounterVec
}

// New creates and registers all collectors. Go runtime and process
// collectors are included so /metrics is useful on its own.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint", "status"},
		),
		HTTPActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_active_connections",
				Help: "Number of in-flight HTTP requests",
			},
		),
		PatientCreateTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patient_create_total",
				Help: "Patient create attempts by outcome",
			},
			[]string{"result"},
		),
		StoreOperationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "patient_store_operation_duration_seconds",
				Help:    "Duration of patient store operations in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"driver", "operation"},
		),
		StoreErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patient_store_errors_total",
				Help: "Failed patient store operations",
			},
			[]string{"driver", "operation"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPActiveConnections,
		m.PatientCreateTotal,
		m.StoreOperationSeconds,
		m.StoreErrorsTotal,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	status := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint, status).Observe(duration.Seconds())
}

// RecordCreate counts a create attempt under one of the Result* labels.
func (m *Metrics) RecordCreate(result string) {
	m.PatientCreateTotal.WithLabelValues(result).Inc()
}

// ObserveStore records the duration and, on failure, the error of a single
// store operation.
func (m *Metrics) ObserveStore(driver, operation string, duration time.Duration, err error) {
	m.StoreOperationSeconds.WithLabelValues(driver, operation).Observe(duration.Seconds())
	if err != nil {
		m.StoreErrorsTotal.WithLabelValues(driver, operation).Inc()
	}
}

// Middleware records request count, latency and in-flight gauge. The route
// template (c.Path()) is used as the endpoint label so /patient/:id does not
// explode into one series per id.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			m.HTTPActiveConnections.Inc()
			defer m.HTTPActiveConnections.Dec()

			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if !c.Response().Committed {
					status = http.StatusInternalServerError
				}
			}

			endpoint := c.Path()
			if endpoint == "" {
				endpoint = "unmatched"
			}
			m.RecordHTTPRequest(c.Request().Method, endpoint, status, time.Since(start))
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
