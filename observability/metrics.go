package observability

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type apiMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

type relayMetrics struct {
	pending   *prometheus.GaugeVec
	delivered *prometheus.CounterVec
	failures  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
}

type reconcileMetrics struct {
	runs      *prometheus.CounterVec
	anomalies *prometheus.GaugeVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *apiMetrics

	relayMetricsOnce sync.Once
	relayRegistry    *relayMetrics

	reconcileMetricsOnce sync.Once
	reconcileRegistry    *reconcileMetrics
)

// API returns the lazily-initialised registry recording HTTP API activity.
func API() *apiMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &apiMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rebase",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total HTTP API requests segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rebase",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total HTTP API errors segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "rebase",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
		)
	})
	return apiRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *apiMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(route, outcome).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// Relay returns the registry tracking in-flight bridge messages.
func Relay() *relayMetrics {
	relayMetricsOnce.Do(func() {
		relayRegistry = &relayMetrics{
			pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "rebase",
				Subsystem: "relay",
				Name:      "pending_messages",
				Help:      "Bridge messages submitted but not yet delivered, by lane.",
			}, []string{"lane"}),
			delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rebase",
				Subsystem: "relay",
				Name:      "delivered_total",
				Help:      "Bridge messages applied on their destination, by lane.",
			}, []string{"lane"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rebase",
				Subsystem: "relay",
				Name:      "delivery_failures_total",
				Help:      "Bridge messages rejected by their destination, by lane and reason.",
			}, []string{"lane", "reason"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "rebase",
				Subsystem: "relay",
				Name:      "delivery_delay_seconds",
				Help:      "Time between submission and delivery of bridge messages.",
				Buckets:   []float64{0, 1, 5, 15, 60, 300, 900, 3600},
			}, []string{"lane"}),
		}
		prometheus.MustRegister(
			relayRegistry.pending,
			relayRegistry.delivered,
			relayRegistry.failures,
			relayRegistry.latency,
		)
	})
	return relayRegistry
}

// LaneLabel renders a source/destination pair as a metric label.
func LaneLabel(source, dest uint64) string {
	return strconv.FormatUint(source, 10) + "->" + strconv.FormatUint(dest, 10)
}

// SetPending publishes the number of in-flight messages on a lane.
func (m *relayMetrics) SetPending(lane string, count int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(lane).Set(float64(count))
}

// RecordDelivery counts a message applied on its destination.
func (m *relayMetrics) RecordDelivery(lane string, delay time.Duration) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(lane).Inc()
	m.latency.WithLabelValues(lane).Observe(delay.Seconds())
}

// RecordFailure counts a rejected delivery. Reasons should be stable strings
// such as "replayed" or "rate_limited".
func (m *relayMetrics) RecordFailure(lane, reason string) {
	if m == nil {
		return
	}
	if strings.TrimSpace(reason) == "" {
		reason = "unspecified"
	}
	m.failures.WithLabelValues(lane, reason).Inc()
}

// Reconcile returns the registry describing reconciliation runs.
func Reconcile() *reconcileMetrics {
	reconcileMetricsOnce.Do(func() {
		reconcileRegistry = &reconcileMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rebase",
				Subsystem: "reconciler",
				Name:      "runs_total",
				Help:      "Reconciliation runs segmented by outcome.",
			}, []string{"outcome"}),
			anomalies: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "rebase",
				Subsystem: "reconciler",
				Name:      "anomalies",
				Help:      "Anomalies found by the latest reconciliation run, by kind.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(reconcileRegistry.runs, reconcileRegistry.anomalies)
	})
	return reconcileRegistry
}

// ObserveRun records the outcome of a run and the anomaly count per kind.
func (m *reconcileMetrics) ObserveRun(counts map[string]int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.runs.WithLabelValues("error").Inc()
		return
	}
	m.runs.WithLabelValues("success").Inc()
	m.anomalies.Reset()
	for kind, n := range counts {
		m.anomalies.WithLabelValues(kind).Set(float64(n))
	}
}
