// Package telemetry exposes the server's Prometheus metrics: interaction
// counters, queue activity, and match scan latency.
package telemetry

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the server registers. One instance is
// built in main and shared by the handlers and workers.
type Metrics struct {
	registry *prometheus.Registry

	interactions *prometheus.CounterVec
	queueJobs    *prometheus.CounterVec
	queueDepth   prometheus.Gauge
	liveWorkers  prometheus.Gauge
	matchScan    prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.interactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fhird",
		Name:      "interactions_total",
		Help:      "FHIR interactions by type, resource type, and status code.",
	}, []string{"interaction", "resource_type", "status"})

	m.queueJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fhird",
		Name:      "queue_jobs_total",
		Help:      "Matching queue jobs by outcome.",
	}, []string{"outcome"})

	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fhird",
		Name:      "queue_depth",
		Help:      "Jobs currently in the matching queue, any state.",
	})

	m.liveWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fhird",
		Name:      "queue_workers",
		Help:      "Long-lived queue workers currently running.",
	})

	m.matchScan = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fhird",
		Name:      "match_scan_seconds",
		Help:      "Wall time of full candidate matching scans.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	m.registry.MustRegister(m.interactions, m.queueJobs, m.queueDepth, m.liveWorkers, m.matchScan)
	return m
}

// Handler serves the Prometheus exposition endpoint.
func (m *Metrics) Handler() echo.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}

func (m *Metrics) Interaction(interaction, resourceType, status string) {
	m.interactions.WithLabelValues(interaction, resourceType, status).Inc()
}

func (m *Metrics) JobProcessed() { m.queueJobs.WithLabelValues("processed").Inc() }
func (m *Metrics) JobFailed()    { m.queueJobs.WithLabelValues("failed").Inc() }

func (m *Metrics) SetQueueDepth(n int)  { m.queueDepth.Set(float64(n)) }
func (m *Metrics) SetLiveWorkers(n int) { m.liveWorkers.Set(float64(n)) }

func (m *Metrics) ObserveMatchScan(d time.Duration) {
	m.matchScan.Observe(d.Seconds())
}
