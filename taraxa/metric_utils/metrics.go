package metric_utils

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rollup_state"

// Metrics groups the collectors updated by the state core. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Commits            prometheus.Counter
	CommitDuration     prometheus.Histogram
	TipVersion         prometheus.Gauge
	Finalizations      prometheus.Counter
	StaleFinalizations prometheus.Counter
	Discards           prometheus.Counter
	LiveSnapshots      prometheus.Gauge
	PrunedEntries      prometheus.Counter
	PruneFailures      prometheus.Counter
	PruneDuration      prometheus.Histogram
	PrunedBelow        prometheus.Gauge
}

func New() *Metrics {
	return &Metrics{
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "commits_total",
			Help: "Versions committed to the merkle state store.",
		}),
		CommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "store", Name: "commit_duration_seconds",
			Help:    "Time to apply a changeset and write its batch.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
		TipVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "store", Name: "tip_version",
			Help: "Latest finalized version.",
		}),
		Finalizations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "snapshots", Name: "finalized_total",
			Help: "Snapshots finalized into a new version.",
		}),
		StaleFinalizations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "snapshots", Name: "stale_finalize_total",
			Help: "Finalize attempts that lost the race at their fork point.",
		}),
		Discards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "snapshots", Name: "discarded_total",
			Help: "Snapshots discarded explicitly or by a competing finalization.",
		}),
		LiveSnapshots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "snapshots", Name: "live",
			Help: "Snapshots currently open.",
		}),
		PrunedEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pruner", Name: "deleted_entries_total",
			Help: "Nodes, values and roots deleted by the pruner.",
		}),
		PruneFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pruner", Name: "failures_total",
			Help: "Prune runs that failed and will be retried.",
		}),
		PruneDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pruner", Name: "run_duration_seconds",
			Help:    "Duration of a prune run.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		PrunedBelow: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pruner", Name: "pruned_below_version",
			Help: "Versions below this one are no longer readable.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Commits, m.CommitDuration, m.TipVersion,
		m.Finalizations, m.StaleFinalizations, m.Discards, m.LiveSnapshots,
		m.PrunedEntries, m.PruneFailures, m.PruneDuration, m.PrunedBelow,
	}
}

func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) Inc(c func(*Metrics) prometheus.Counter) {
	if m != nil {
		c(m).Inc()
	}
}

func (m *Metrics) Add(c func(*Metrics) prometheus.Counter, v float64) {
	if m != nil {
		c(m).Add(v)
	}
}

func (m *Metrics) Set(g func(*Metrics) prometheus.Gauge, v float64) {
	if m != nil {
		g(m).Set(v)
	}
}

// Timer returns a function that observes the elapsed time on h when called.
func (m *Metrics) Timer(h func(*Metrics) prometheus.Histogram) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		h(m).Observe(time.Since(start).Seconds())
	}
}

func Commits(m *Metrics) prometheus.Counter            { return m.Commits }
func Finalizations(m *Metrics) prometheus.Counter      { return m.Finalizations }
func StaleFinalizations(m *Metrics) prometheus.Counter { return m.StaleFinalizations }
func Discards(m *Metrics) prometheus.Counter           { return m.Discards }
func PrunedEntries(m *Metrics) prometheus.Counter      { return m.PrunedEntries }
func PruneFailures(m *Metrics) prometheus.Counter      { return m.PruneFailures }
func TipVersion(m *Metrics) prometheus.Gauge           { return m.TipVersion }
func LiveSnapshots(m *Metrics) prometheus.Gauge        { return m.LiveSnapshots }
func PrunedBelow(m *Metrics) prometheus.Gauge          { return m.PrunedBelow }
func CommitDuration(m *Metrics) prometheus.Histogram   { return m.CommitDuration }
func PruneDuration(m *Metrics) prometheus.Histogram    { return m.PruneDuration }
