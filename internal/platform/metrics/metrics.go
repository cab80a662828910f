// Package metrics holds the Prometheus collectors of the raffle service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tackle_tarts"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ticketsIssued        *prometheus.CounterVec
	paymentNotifications *prometheus.CounterVec
	allocationRetries    prometheus.Counter
	competitionsClosed   prometheus.Counter
	httpRequests         *prometheus.CounterVec
	httpDuration         *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticketsIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "raffle",
				Name:      "tickets_issued_total",
				Help:      "Tickets issued, by result.",
			},
			[]string{"result"},
		),
		paymentNotifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payments",
				Name:      "notifications_total",
				Help:      "Payment notifications processed, by outcome.",
			},
			[]string{"outcome"},
		),
		allocationRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "raffle",
				Name:      "allocation_retries_total",
				Help:      "Ticket issuance attempts retried after a store conflict.",
			},
		),
		competitionsClosed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "raffle",
				Name:      "competitions_closed_total",
				Help:      "Competitions moved to closed.",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
			},
			[]string{"method", "path"},
		),
	}
	m.registry.MustRegister(
		m.ticketsIssued,
		m.paymentNotifications,
		m.allocationRetries,
		m.competitionsClosed,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) TicketIssued(result string, n int) {
	if m == nil {
		return
	}
	m.ticketsIssued.WithLabelValues(result).Add(float64(n))
}

// PaymentNotification counts one notification outcome:
// fulfilled, duplicate, failed, rejected or error.
func (m *Metrics) PaymentNotification(outcome string) {
	if m == nil {
		return
	}
	m.paymentNotifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AllocationRetry() {
	if m == nil {
		return
	}
	m.allocationRetries.Inc()
}

func (m *Metrics) CompetitionClosed() {
	if m == nil {
		return
	}
	m.competitionsClosed.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency per route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
