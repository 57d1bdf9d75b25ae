package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tso_evaluations_total",
			Help: "Backtest evaluations actually computed (cache misses)",
		},
		[]string{"kind"},
	)

	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tso_cache_hits_total",
			Help: "Evaluations served from the per-run cache",
		},
		[]string{"kind"},
	)

	EvaluationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tso_evaluation_errors_total",
			Help: "Evaluations that failed, by error class",
		},
		[]string{"kind", "class"},
	)

	SearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tso_search_duration_seconds",
			Help:    "Wall time of one search run",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"method"},
	)

	BestScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tso_search_best_score",
			Help: "Best score found by the latest run per ticker and indicator",
		},
		[]string{"ticker", "kind"},
	)

	FetchFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tso_fetch_failures_total",
			Help: "Market data fetch failures",
		},
		[]string{"provider"},
	)
)
