// Package telemetry exposes Prometheus metrics for HTTP traffic, workflow
// operations and the database pool.
package telemetry

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meg/meg/internal/platform/apperror"
	"github.com/meg/meg/internal/platform/db"
)

const namespace = "meg"

// Config names the service in the constant labels of every metric.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "meg-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
}

func New(cfg Config) *Metrics {
	cfg.applyDefaults()
	labels := prometheus.Labels{
		"service":     cfg.ServiceName,
		"version":     cfg.ServiceVersion,
		"environment": cfg.Environment,
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "requests_total",
			Help:        "HTTP requests by method, route and status code.",
			ConstLabels: labels,
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "request_duration_seconds",
			Help:        "HTTP request latency by method and route.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "route"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "requests_in_flight",
			Help:        "HTTP requests currently being served.",
			ConstLabels: labels,
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "workflow",
			Name:        "operations_total",
			Help:        "Workflow operations by name and outcome.",
			ConstLabels: labels,
		}, []string{"operation", "outcome"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "workflow",
			Name:        "operation_duration_seconds",
			Help:        "Workflow operation latency, including the transaction.",
			ConstLabels: labels,
			Buckets:     []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"operation"}),
	}
	m.registry.MustRegister(
		m.httpRequests, m.httpDuration, m.httpInFlight,
		m.operations, m.operationDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Outcome classifies an operation error for the outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperror.ErrNotFound):
		return "not_found"
	case errors.Is(err, apperror.ErrInvalidStatus), errors.Is(err, apperror.ErrValidationFailed):
		return "invalid"
	case errors.Is(err, apperror.ErrInvalidTransition), errors.Is(err, apperror.ErrNotEligible):
		return "conflict"
	default:
		return "error"
	}
}

// ObserveOperation counts one workflow operation and its latency. A nil
// Metrics observes nothing.
func (m *Metrics) ObserveOperation(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, Outcome(err)).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// RegisterPool exports connection pool gauges read at scrape time.
func (m *Metrics) RegisterPool(stats func() *db.PoolStats) {
	gauge := func(name, help string, read func(*db.PoolStats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db_pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return read(stats()) })
	}
	m.registry.MustRegister(
		gauge("total_conns", "Open connections.", func(s *db.PoolStats) float64 { return float64(s.TotalConns) }),
		gauge("idle_conns", "Idle connections.", func(s *db.PoolStats) float64 { return float64(s.IdleConns) }),
		gauge("acquired_conns", "Connections in use.", func(s *db.PoolStats) float64 { return float64(s.AcquiredConns) }),
		gauge("max_conns", "Pool size limit.", func(s *db.PoolStats) float64 { return float64(s.MaxConns) }),
	)
}

// RegisterLiveClients exports the number of connected case board sockets.
func (m *Metrics) RegisterLiveClients(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "websocket",
		Name:      "clients",
		Help:      "Connected live case board clients.",
	}, func() float64 { return float64(count()) }))
}

// Middleware records request count, latency and in-flight requests. The
// route label is the matched route pattern so ids do not explode the series.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.httpInFlight.Inc()
			start := time.Now()

			err := next(c)

			m.httpInFlight.Dec()
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				} else if !c.Response().Committed {
					status = 500
				}
			}
			method := c.Request().Method
			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))
}
