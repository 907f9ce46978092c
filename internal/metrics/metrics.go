// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const namespace = "kestrel"

var (
	TransactionsScored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_scored_total",
			Help:      "Transactions scored, by risk tier and entry point",
		},
		[]string{"tier", "source"},
	)

	AlertsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_published_total",
			Help:      "Critical and high tier records published to the alert topic",
		},
	)

	PredictDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "predict_duration_seconds",
			Help:      "Batch scoring latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	TrainingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "training_duration_seconds",
			Help:      "Wall time of a full Train call",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	ModelTrainedAt = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_trained_timestamp_seconds",
			Help:      "Training time of the active model",
		},
	)

	BatchesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_failed_total",
			Help:      "Bus batches that could not be scored, by reason",
		},
		[]string{"reason"},
	)

	AccountLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "account_lookups_total",
			Help:      "Account resolutions by where they were served from",
		},
		[]string{"result"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)
)

// Entry points for scoring counters.
const (
	SourceAPI    = "api"
	SourceWorker = "worker"
)

// Account lookup results.
const (
	LookupCacheHit   = "cache_hit"
	LookupRepository = "repository"
	LookupNotFound   = "not_found"
)

// ObserveScores records a scored batch.
func ObserveScores(source string, records []domain.ScoreRecord, elapsed time.Duration) {
	PredictDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	for i := range records {
		TransactionsScored.WithLabelValues(string(records[i].Tier), source).Inc()
	}
}

// ObserveTraining records a completed training run.
func ObserveTraining(elapsed time.Duration, trainedAt time.Time) {
	TrainingDuration.Observe(elapsed.Seconds())
	ModelTrainedAt.Set(float64(trainedAt.Unix()))
}
