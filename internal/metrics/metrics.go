package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SeedRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synthseed_runs_total",
			Help: "Seeding runs by outcome",
		},
		[]string{"outcome"}, // "ok", "failed", "canceled", "busy"
	)

	EngagementsInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "synthseed_engagements_inserted_total",
			Help: "Engagement rows durably inserted",
		},
	)

	PairsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "synthseed_pairs_skipped_total",
			Help: "Content/user pairs skipped because they were already seeded",
		},
	)

	BatchFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "synthseed_batch_flush_duration_seconds",
			Help:    "Duration of engagement batch flushes",
			Buckets: prometheus.DefBuckets,
		},
	)

	AuxiliaryWriteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synthseed_auxiliary_write_errors_total",
			Help: "Best-effort writes that failed and were skipped",
		},
		[]string{"table"},
	)

	ItemsCovered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "synthseed_last_run_mindblocks_covered",
			Help: "Mindblocks covered by the cohort of the last completed run",
		},
	)
)

// RecordFlush records one successful batch flush.
func RecordFlush(rows int, took time.Duration) {
	BatchFlushDuration.Observe(took.Seconds())
	EngagementsInserted.Add(float64(rows))
}
