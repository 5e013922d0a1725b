package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// warning-workflow engine.
type Metrics struct {
	RunsStarted   prometheus.Counter
	RunsCompleted *prometheus.CounterVec // labels: outcome={success,partial_timeout,manual_abort,error}
	RunDuration   prometheus.Histogram
	RunRunning    prometheus.Gauge

	RegionsProcessed prometheus.Counter
	BatchSize        prometheus.Histogram
	BatchDuration    prometheus.Histogram

	SourceFetchDuration *prometheus.HistogramVec // labels: source
	SourceFetchOutcome  *prometheus.CounterVec   // labels: source, outcome={success,error,cache_hit}

	CacheLookups *prometheus.CounterVec // labels: tier={memory,durable}, result={hit,miss}

	LLMRefinementsApplied prometheus.Counter
	LLMRefinementErrors   prometheus.Counter

	DeltasPublished prometheus.Counter
}

// NewMetrics creates and registers all engine metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.RunsStarted,
		m.RunsCompleted,
		m.RunDuration,
		m.RunRunning,
		m.RegionsProcessed,
		m.BatchSize,
		m.BatchDuration,
		m.SourceFetchDuration,
		m.SourceFetchOutcome,
		m.CacheLookups,
		m.LLMRefinementsApplied,
		m.LLMRefinementErrors,
		m.DeltasPublished,
	)
	return m
}

// NewMetricsForTesting creates Metrics unregistered, to avoid "already
// registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geowarn",
			Name:      "runs_started_total",
			Help:      "Total runs that acquired the run lock.",
		}),
		RunsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geowarn",
			Name:      "runs_completed_total",
			Help:      "Total runs that reached finalization, by outcome.",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "geowarn",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of a run from trigger to finalization.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 240, 480, 900},
		}),
		RunRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "geowarn",
			Name:      "run_running",
			Help:      "1 while a run holds the lock, 0 otherwise.",
		}),
		RegionsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geowarn",
			Name:      "regions_processed_total",
			Help:      "Total regions committed across all runs.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "geowarn",
			Name:      "batch_size",
			Help:      "Number of regions per committed batch.",
			Buckets:   []float64{5, 10, 15, 20, 25, 30, 40},
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "geowarn",
			Name:      "batch_duration_seconds",
			Help:      "Duration of one collect+fuse+commit+publish batch cycle.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40},
		}),
		SourceFetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "geowarn",
			Name:      "source_fetch_duration_seconds",
			Help:      "Duration of a single source fetch, by source name.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}, []string{"source"}),
		SourceFetchOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geowarn",
			Name:      "source_fetch_outcome_total",
			Help:      "Source fetch outcomes, by source and outcome.",
		}, []string{"source", "outcome"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geowarn",
			Name:      "cache_lookups_total",
			Help:      "Cache lookups, by tier and hit/miss.",
		}, []string{"tier", "result"}),
		LLMRefinementsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geowarn",
			Name:      "llm_refinements_applied_total",
			Help:      "Total regions whose decision was adjusted by LLM refinement.",
		}),
		LLMRefinementErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geowarn",
			Name:      "llm_refinement_errors_total",
			Help:      "Total LLM refinement calls that failed to parse or apply.",
		}),
		DeltasPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geowarn",
			Name:      "deltas_published_total",
			Help:      "Total batch delta messages broadcast.",
		}),
	}
}
