package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the prometheus registry and the counters the sync core
// exposes. Domain counters are handed to the services that increment
// them; HTTP counters are driven by router middleware.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	LedgerAppends        prometheus.Counter
	LedgerAppendFailures prometheus.Counter
	SnapshotPushes       prometheus.Counter
	SnapshotPulls        prometheus.Counter
	ChangePolls          prometheus.Counter
}

// NewMetrics constructs a private registry with the sync core's metrics
// plus the standard Go runtime collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jstutor_http_requests_total",
				Help: "Total HTTP requests handled by the sync API",
			},
			[]string{"endpoint", "method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jstutor_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"endpoint", "method", "status"},
		),
		LedgerAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jstutor_ledger_appends_total",
			Help: "Change records appended to the ledger",
		}),
		LedgerAppendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jstutor_ledger_append_failures_total",
			Help: "Best-effort ledger appends that failed and were dropped",
		}),
		SnapshotPushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jstutor_snapshot_pushes_total",
			Help: "Full account snapshots written",
		}),
		SnapshotPulls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jstutor_snapshot_pulls_total",
			Help: "Full account snapshots served",
		}),
		ChangePolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jstutor_change_polls_total",
			Help: "Polls against the change ledger",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.LedgerAppends,
		m.LedgerAppendFailures,
		m.SnapshotPushes,
		m.SnapshotPulls,
		m.ChangePolls,
	)
	return m
}

// Handler serves the /metrics endpoint from the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.FullPath() == "/metrics" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.requestsTotal.WithLabelValues(endpoint, c.Request.Method, status).Inc()
		m.requestDuration.WithLabelValues(endpoint, c.Request.Method, status).Observe(time.Since(start).Seconds())
	}
}
