package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Decision outcomes per scope: allowed, blocked, penalized.
	Decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "throttle_decisions_total",
		Help: "Total number of throttle evaluations grouped by outcome",
	}, []string{"scope", "outcome"})
	Penalties = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "throttle_penalties_total",
		Help: "Total number of penalties applied, by scope and resulting level",
	}, []string{"scope", "level"})
	AttemptsRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "throttle_attempts_recorded_total",
		Help: "Total number of failed attempts recorded",
	}, []string{"scope"})
	Resets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "throttle_resets_total",
		Help: "Total number of records deleted after a success at or above the reset threshold",
	}, []string{"scope"})
	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "throttle_store_errors_total",
		Help: "Total number of throttle store failures by operation",
	}, []string{"operation"})
	SweptRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "throttle_swept_records_total",
		Help: "Total number of records removed by the grace-period sweeper",
	}, []string{"scope"})
	SweepRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "throttle_sweep_runs_total",
		Help: "Total number of sweeper runs by result",
	}, []string{"result"})
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "throttle_sweep_duration_seconds",
		Help:    "Wall time of grace-period sweeper runs",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	})
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "throttle_events_dropped_total",
		Help: "Total number of throttle events dropped because a dispatch or sink buffer was full",
	})
	EventPublishFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "throttle_event_publish_failures_total",
		Help: "Total number of failed throttle event deliveries by sink",
	}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(Decisions)
	prometheus.MustRegister(Penalties)
	prometheus.MustRegister(AttemptsRecorded)
	prometheus.MustRegister(Resets)
	prometheus.MustRegister(StoreErrors)
	prometheus.MustRegister(SweptRecords)
	prometheus.MustRegister(SweepRuns)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(EventPublishFailures)
}

// MetricsHandler returns an http.Handler exposing Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
