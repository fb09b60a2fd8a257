package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Subscription metrics
var (
	validationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "websubhub_validations_total",
		Help: "Total number of subscription validations by outcome",
	}, []string{"outcome"})
	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "websubhub_verifications_total",
		Help: "Total number of intent verifications by mode and outcome",
	}, []string{"mode", "outcome"})
	expirationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "websubhub_expirations_total",
		Help: "Total number of subscriptions expired",
	})
)

// Content metrics
var (
	fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "websubhub_fetches_total",
		Help: "Total number of content fetches by outcome",
	}, []string{"outcome"})
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "websubhub_deliveries_total",
		Help: "Total number of delivery attempts by outcome",
	}, []string{"outcome"})
	deliveriesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "websubhub_deliveries_created_total",
		Help: "Total number of deliveries created by fan-out",
	})
)

// Cleaner metrics
var (
	cleanedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "websubhub_cleaned_total",
		Help: "Total number of rows removed by retention cleanup",
	}, []string{"kind"})
)

// Runner metrics
var (
	jobRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "websubhub_job_runs_total",
		Help: "Total number of job runs by result",
	}, []string{"job", "result"})
	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "websubhub_job_duration_seconds",
		Help:    "Duration of job runs",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"job"})
)
