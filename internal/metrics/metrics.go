package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supervisr",
			Subsystem: "worker",
			Name:      "spawns_total",
			Help:      "Number of workers spawned with a confirmed pid.",
		}, []string{"kind"},
	)
	workerSpawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supervisr",
			Subsystem: "worker",
			Name:      "spawn_failures_total",
			Help:      "Number of failed spawn attempts by reason.",
		}, []string{"kind", "reason"},
	)
	workerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supervisr",
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of workers stopped on request.",
		}, []string{"kind"},
	)
	workerEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supervisr",
			Subsystem: "worker",
			Name:      "evictions_total",
			Help:      "Number of workers evicted by the sweeper.",
		}, []string{"kind"},
	)
	workerReportErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supervisr",
			Subsystem: "worker",
			Name:      "report_errors_total",
			Help:      "Number of malformed status report lines.",
		}, []string{"kind"},
	)
	workersRegistered = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "supervisr",
			Subsystem: "worker",
			Name:      "registered",
			Help:      "Workers currently present in the process registry.",
		}, []string{"kind"},
	)
	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "supervisr",
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Duration of a registry sweep.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{workerSpawns, workerSpawnFailures, workerStops, workerEvictions, workerReportErrors, workersRegistered, sweepDuration}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncSpawn(kind string) {
	if regOK.Load() {
		workerSpawns.WithLabelValues(kind).Inc()
	}
}

func IncSpawnFailure(kind, reason string) {
	if regOK.Load() {
		workerSpawnFailures.WithLabelValues(kind, reason).Inc()
	}
}

func IncStop(kind string) {
	if regOK.Load() {
		workerStops.WithLabelValues(kind).Inc()
	}
}

func IncEviction(kind string) {
	if regOK.Load() {
		workerEvictions.WithLabelValues(kind).Inc()
	}
}

func IncReportError(kind string) {
	if regOK.Load() {
		workerReportErrors.WithLabelValues(kind).Inc()
	}
}

func SetRegistered(kind string, n int) {
	if regOK.Load() {
		workersRegistered.WithLabelValues(kind).Set(float64(n))
	}
}

func ObserveSweep(seconds float64) {
	if regOK.Load() {
		sweepDuration.Observe(seconds)
	}
}
