// Package metrics provides Prometheus telemetry for the diamond registry.
// It covers batch outcomes, dispatch latency, route table size, delegated
// script execution and the periodic invariant audit.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/diamond/internal/diamond"
)

// Collector provides registry metrics collection. It implements
// diamond.Recorder.
type Collector struct {
	registry *prometheus.Registry

	// Cut metrics
	cutsTotal   *prometheus.CounterVec
	cutLatency  *prometheus.HistogramVec
	cutsPerCall prometheus.Histogram

	// Dispatch metrics
	dispatchTotal   *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec

	// Route table metrics
	routedSelectors prometheus.Gauge
	routedFacets    prometheus.Gauge

	// Executor metrics
	scriptCalls   *prometheus.CounterVec
	scriptLatency *prometheus.HistogramVec

	// Audit metrics
	auditRuns           prometheus.Counter
	invariantViolations prometheus.Counter

	uptime    prometheus.Gauge
	startTime time.Time
}

var _ diamond.Recorder = (*Collector)(nil)

// NewCollector creates a new registry metrics collector.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "diamond"
	}

	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}

	c.cutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cut",
			Name:      "batches_total",
			Help:      "Total number of diamond cut batches by result",
		},
		[]string{"result"},
	)

	c.cutLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cut",
			Name:      "duration_seconds",
			Help:      "Time taken to stage, persist and commit a batch",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"result"},
	)

	c.cutsPerCall = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cut",
			Name:      "batch_size",
			Help:      "Number of facet cuts per batch",
			Buckets:   prometheus.LinearBuckets(1, 2, 8),
		},
	)

	c.dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "calls_total",
			Help:      "Total number of dispatched calls by selector and result",
		},
		[]string{"selector", "result"},
	)

	c.dispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time taken by a dispatched call including the delegated facet",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16), // 0.1ms to ~3s
		},
		[]string{"result"},
	)

	c.routedSelectors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "routes",
			Name:      "selectors",
			Help:      "Number of routed selectors",
		},
	)

	c.routedFacets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "routes",
			Name:      "facets",
			Help:      "Number of facets with at least one routed selector",
		},
	)

	c.scriptCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "calls_total",
			Help:      "Total number of delegated facet executions by kind and result",
		},
		[]string{"kind", "result"},
	)

	c.scriptLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "duration_seconds",
			Help:      "Time spent executing facet code",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		},
		[]string{"kind"},
	)

	c.auditRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "runs_total",
			Help:      "Total number of route table audits",
		},
	)

	c.invariantViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "invariant_violations_total",
			Help:      "Total number of audits that found the route table inconsistent",
		},
	)

	c.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the registry started",
		},
	)

	c.registry.MustRegister(
		c.cutsTotal,
		c.cutLatency,
		c.cutsPerCall,
		c.dispatchTotal,
		c.dispatchLatency,
		c.routedSelectors,
		c.routedFacets,
		c.scriptCalls,
		c.scriptLatency,
		c.auditRuns,
		c.invariantViolations,
		c.uptime,
	)

	return c
}

// Registry returns the Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordCut implements diamond.Recorder.
func (c *Collector) RecordCut(cuts int, d time.Duration, err error) {
	result := CutResult(err)
	c.cutsTotal.WithLabelValues(result).Inc()
	c.cutLatency.WithLabelValues(result).Observe(d.Seconds())
	c.cutsPerCall.Observe(float64(cuts))
}

// RecordDispatch implements diamond.Recorder. Unrouted selectors are folded
// into one label value so callers cannot grow the series set.
func (c *Collector) RecordDispatch(selector diamond.Selector, d time.Duration, err error) {
	result := DispatchResult(err)
	label := selector.String()
	if result == "unregistered" {
		label = "unrouted"
	}
	c.dispatchTotal.WithLabelValues(label, result).Inc()
	c.dispatchLatency.WithLabelValues(result).Observe(d.Seconds())
}

// RecordRoutes implements diamond.Recorder.
func (c *Collector) RecordRoutes(selectors, facets int) {
	c.routedSelectors.Set(float64(selectors))
	c.routedFacets.Set(float64(facets))
}

// RecordExecution records one delegated execution of a facet of the given
// kind ("script" or "native").
func (c *Collector) RecordExecution(kind string, d time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	c.scriptCalls.WithLabelValues(kind, result).Inc()
	c.scriptLatency.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordAudit records one route table audit.
func (c *Collector) RecordAudit(err error) {
	c.auditRuns.Inc()
	if err != nil {
		c.invariantViolations.Inc()
	}
}

// UpdateUptime refreshes the uptime gauge.
func (c *Collector) UpdateUptime() {
	c.uptime.Set(time.Since(c.startTime).Seconds())
}

// CutResult maps a DiamondCut error to its metric label.
func CutResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, diamond.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, diamond.ErrImmutableFunction):
		return "immutable"
	case errors.Is(err, diamond.ErrReplaceExisting):
		return "replace_existing"
	default:
		return "error"
	}
}

// DispatchResult maps a Dispatch error to its metric label.
func DispatchResult(err error) string {
	var callErr *diamond.CallError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, diamond.ErrUnregisteredFunction):
		return "unregistered"
	case errors.As(err, &callErr):
		return "call_error"
	default:
		return "error"
	}
}
