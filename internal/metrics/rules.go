package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type rulesMetrics struct {
	pollsTotal    prometheus.Counter
	swapsTotal    prometheus.Counter
	errorsTotal   *prometheus.CounterVec
	loadDuration  prometheus.Histogram
	lastSuccessTs prometheus.Gauge
	stale         prometheus.Gauge
	loadedTs      prometheus.Gauge
	info          *prometheus.GaugeVec
	count         prometheus.Gauge
}

func newRulesMetrics() *rulesMetrics {
	return &rulesMetrics{
		pollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rules_watcher_polls_total",
			Help: "Total number of rules watcher poll cycles",
		}),
		swapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rules_watcher_swaps_total",
			Help: "Total number of successful custom rules swaps",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rules_watcher_errors_total",
			Help: "Total rules watcher errors by type",
		}, []string{"type"}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rules_document_load_duration_seconds",
			Help:    "Time to download, verify, and parse a rules document",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		lastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rules_watcher_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful SSM poll",
		}),
		stale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rules_watcher_stale",
			Help: "Whether the rules watcher is stale (1) or healthy (0)",
		}),
		loadedTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rules_loaded_timestamp_seconds",
			Help: "Unix timestamp of when the active custom rules were loaded",
		}),
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rules_document_info",
			Help: "Active rules document (labels carry identity and source, value is always 1)",
		}, []string{"source", "sha256"}),
		count: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rules_custom_count",
			Help: "Number of custom header rules in effect",
		}),
	}
}

func (r *rulesMetrics) register(reg prometheus.Registerer) {
	reg.MustRegister(r.pollsTotal, r.swapsTotal, r.errorsTotal, r.loadDuration,
		r.lastSuccessTs, r.stale, r.loadedTs, r.info, r.count)
}

func (m *ServerMetrics) IncWatcherPolls() { m.rules.pollsTotal.Inc() }

func (m *ServerMetrics) IncWatcherSwaps() { m.rules.swapsTotal.Inc() }

func (m *ServerMetrics) IncWatcherError(errType string) {
	m.rules.errorsTotal.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) ObserveRulesLoadDuration(seconds float64) {
	m.rules.loadDuration.Observe(seconds)
}

func (m *ServerMetrics) SetWatcherLastSuccess(unixSeconds float64) {
	m.rules.lastSuccessTs.Set(unixSeconds)
}

func (m *ServerMetrics) SetWatcherStale(stale bool) { m.rules.stale.Set(boolGauge(stale)) }

// SetActiveRules records the identity and size of the rule set now in
// effect. source is "builtin", "file" or "remote".
func (m *ServerMetrics) SetActiveRules(source, sha256 string, count int, at time.Time) {
	m.rules.info.Reset()
	m.rules.info.WithLabelValues(source, sha256).Set(1)
	m.rules.count.Set(float64(count))
	m.rules.loadedTs.Set(float64(at.Unix()))
}
