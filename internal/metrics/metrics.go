// Package metrics exposes prometheus instrumentation for the resolvers.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentic-research/stratum/internal/equivalence"
)

const namespace = "stratum"

// Metrics holds every collector on its own registry so tests and multiple
// servers in one process do not collide on the default one.
type Metrics struct {
	Registry *prometheus.Registry

	ContextMapHits   *prometheus.CounterVec
	ContextMapBuilds *prometheus.CounterVec
	ContextMapBuild  prometheus.Histogram
	Operations       *prometheus.CounterVec
	OperationLatency *prometheus.HistogramVec
	Flagged          prometheus.Counter
	Merged           prometheus.Counter
	Truncations      prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ContextMapHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "context_map", Name: "hits_total",
			Help: "Context Map lookups served from cache.",
		}, []string{"project"}),
		ContextMapBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "context_map", Name: "builds_total",
			Help: "Context Map builds by outcome.",
		}, []string{"outcome"}),
		ContextMapBuild: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "context_map", Name: "build_seconds",
			Help:    "Time to build one Context Map.",
			Buckets: prometheus.DefBuckets,
		}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "operations_total",
			Help: "Resolver operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		OperationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "operation_seconds",
			Help:    "Resolver operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		Flagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sensitivity", Name: "flagged_total",
			Help: "Nodes newly flagged as associated with human remains.",
		}),
		Merged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "merge", Name: "pairs_total",
			Help: "Duplicate nodes folded into their counterpart.",
		}),
		Truncations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hierarchy", Name: "truncated_total",
			Help: "Hierarchy walks stopped by a loop, the depth cap or a dangling context.",
		}),
	}
	m.Registry.MustRegister(
		m.ContextMapHits, m.ContextMapBuilds, m.ContextMapBuild,
		m.Operations, m.OperationLatency,
		m.Flagged, m.Merged, m.Truncations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// CacheObserver feeds Context Map cache events into the collectors.
func (m *Metrics) CacheObserver() equivalence.CacheObserver {
	return equivalence.CacheObserver{
		Hit: func(projectID string) {
			m.ContextMapHits.WithLabelValues(projectID).Inc()
		},
		Build: func(_ string, took time.Duration, err error) {
			m.ContextMapBuilds.WithLabelValues(outcome(err)).Inc()
			m.ContextMapBuild.Observe(took.Seconds())
		},
	}
}

// Observe records one operation. Use as
//
//	defer m.Observe("resolve", time.Now(), &err)
func (m *Metrics) Observe(operation string, start time.Time, err *error) {
	var e error
	if err != nil {
		e = *err
	}
	m.Operations.WithLabelValues(operation, outcome(e)).Inc()
	m.OperationLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
