// Package metrics holds the Prometheus metric objects the transaction
// manager updates as transactions commit, abort, and allocate. It does not
// abstract away the prometheus client, but callers rarely need to refer to
// it directly: Metrics exposes plain increment/observe methods.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace scopes every metric name registered by this package.
const Namespace = "tl2stm"

// Outcome labels used on the transactions counter.
const (
	LabelOutcomeCommit       = "commit"
	LabelOutcomeAbortLock    = "abort_lock"
	LabelOutcomeAbortReadVal = "abort_validate"
)

// Metrics bundles the runtime's Prometheus collectors. The zero value is
// not usable; construct one with New.
type Metrics struct {
	registry *prometheus.Registry

	Transactions *prometheus.CounterVec
	Retries      prometheus.Counter
	CommitTime   prometheus.Histogram
	Segments     *prometheus.GaugeVec
}

// New creates a fresh, pedantically-checked registry and registers every
// collector the manager reports to.
func New() *Metrics {
	registry := prometheus.NewPedanticRegistry()

	m := &Metrics{
		registry: registry,
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "transactions_total",
			Help:      "Number of read-write transactions whose End ran the commit protocol, by outcome.",
		}, []string{"outcome"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "alloc_list_lock_retries_total",
			Help:      "Number of times Alloc aborted because the segment list lock was held.",
		}),
		CommitTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "commit_duration_seconds",
			Help:      "Wall-clock time spent in the commit protocol by read-write transactions that committed.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
		Segments: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "segments",
			Help:      "Number of live dynamically allocated segments, by region.",
		}, []string{"region"}),
	}

	registry.MustRegister(m.Transactions, m.Retries, m.CommitTime, m.Segments)
	return m
}

// Registry returns the underlying Prometheus registry, for wiring into an
// HTTP handler (e.g. promhttp.HandlerFor).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveCommit records the outcome of one commit attempt and, when it
// committed, how long the commit protocol took. The transaction manager
// calls it from End for read-write transactions only.
func (m *Metrics) ObserveCommit(outcome string, elapsed time.Duration) {
	m.Transactions.WithLabelValues(outcome).Inc()
	if outcome == LabelOutcomeCommit {
		m.CommitTime.Observe(elapsed.Seconds())
	}
}
