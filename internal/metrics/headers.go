package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/keithlinneman/headerd/internal/headers"
)

// headerMetrics backs the headers.Observer implementation.
type headerMetrics struct {
	calls          *prometheus.HistogramVec
	conflicts      *prometheus.CounterVec
	fallbacks      *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
	cacheEvictions prometheus.Counter
}

func newHeaderMetrics() *headerMetrics {
	return &headerMetrics{
		calls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "headers_processing_duration_seconds",
			Help:    "Time spent in header deduplicate/merge calls",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}, []string{"op"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "headers_conflicts_total",
			Help: "Header conflicts by header name (well-known names only, others are \"other\") and criticality",
		}, []string{"header", "critical"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "headers_fallbacks_total",
			Help: "Calls that returned unprocessed headers after an error, by op and error kind",
		}, []string{"op", "kind"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "headers_name_cache_lookups_total",
			Help: "Header name cache lookups by result (hit|miss)",
		}, []string{"result"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "headers_name_cache_evictions_total",
			Help: "Entries evicted from the header name cache",
		}),
	}
}

func (h *headerMetrics) register(reg prometheus.Registerer) {
	reg.MustRegister(h.calls, h.conflicts, h.fallbacks, h.cacheLookups, h.cacheEvictions)
}

// HeaderObserver returns a headers.Observer feeding this registry.
func (m *ServerMetrics) HeaderObserver() headers.Observer { return m.headers }

var _ headers.Observer = (*headerMetrics)(nil)

func (h *headerMetrics) ObserveCall(op string, seconds float64) {
	h.calls.WithLabelValues(op).Observe(seconds)
}

func (h *headerMetrics) ObserveConflict(name string, critical bool) {
	if !headers.IsWellKnown(name) {
		name = "other"
	}
	crit := "false"
	if critical {
		crit = "true"
	}
	h.conflicts.WithLabelValues(name, crit).Inc()
}

func (h *headerMetrics) ObserveFallback(op, kind string) {
	h.fallbacks.WithLabelValues(op, kind).Inc()
}

func (h *headerMetrics) ObserveCache(hit bool) {
	if hit {
		h.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	h.cacheLookups.WithLabelValues("miss").Inc()
}

func (h *headerMetrics) ObserveEviction() { h.cacheEvictions.Inc() }
