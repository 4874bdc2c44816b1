package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "botwarden"

// Health statuses exported by SetHealthStatus.
var healthStatuses = []string{"healthy", "degraded", "unhealthy", "cooldown", "stopped"}

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker launches.",
		}, []string{"worker"},
	)
	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Number of successful restarts by trigger.",
		}, []string{"worker", "trigger"},
	)
	restartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "restart_failures_total",
			Help:      "Number of failed restarts by stage.",
		}, []string{"worker", "stage"},
	)
	launchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "launch_failures_total",
			Help:      "Launches that failed or exited within the start grace period.",
		}, []string{"worker"},
	)
	orphansKilled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "orphans_killed_total",
			Help:      "Stray worker processes terminated before a relaunch.",
		}, []string{"worker"},
	)
	workerUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "up",
			Help:      "1 while the tracked worker process is alive.",
		}, []string{"worker"},
	)
	checkResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "check",
			Name:      "results_total",
			Help:      "Health check outcomes.",
		}, []string{"worker", "check", "result"},
	)
	checkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "check",
			Name:      "duration_seconds",
			Help:      "Time spent in each health check.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"worker", "check"},
	)
	healthStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "health_status",
			Help:      "Current supervisor verdict (1 = active status, 0 = inactive).",
		}, []string{"worker", "status"},
	)
	consecutiveUnhealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "consecutive_unhealthy_cycles",
			Help:      "Consecutive cycles with soft failures at or above quorum.",
		}, []string{"worker"},
	)
	restartsInWindow = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "restarts_in_window",
			Help:      "Successful restarts inside the rate-limit window.",
		}, []string{"worker"},
	)
	pollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "poll_duration_seconds",
			Help:      "Duration of whole poll cycles, restarts included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"worker"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		workerStarts, workerRestarts, restartFailures, launchFailures, orphansKilled, workerUp,
		checkResults, checkDuration, healthStatus, consecutiveUnhealthy, restartsInWindow, pollDuration,
	}
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

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(worker string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(worker).Inc()
	}
}

func IncRestart(worker, trigger string) {
	if regOK.Load() {
		workerRestarts.WithLabelValues(worker, trigger).Inc()
	}
}

func IncRestartFailure(worker, stage string) {
	if regOK.Load() {
		restartFailures.WithLabelValues(worker, stage).Inc()
	}
}

func IncLaunchFailure(worker string) {
	if regOK.Load() {
		launchFailures.WithLabelValues(worker).Inc()
	}
}

func AddOrphansKilled(worker string, n int) {
	if regOK.Load() && n > 0 {
		orphansKilled.WithLabelValues(worker).Add(float64(n))
	}
}

func SetWorkerUp(worker string, up bool) {
	if regOK.Load() {
		workerUp.WithLabelValues(worker).Set(boolToFloat(up))
	}
}

func ObserveCheck(worker, check string, healthy bool, seconds float64) {
	if !regOK.Load() {
		return
	}
	result := "healthy"
	if !healthy {
		result = "unhealthy"
	}
	checkResults.WithLabelValues(worker, check, result).Inc()
	checkDuration.WithLabelValues(worker, check).Observe(seconds)
}

// SetHealthStatus marks status as the active one for worker.
func SetHealthStatus(worker, status string) {
	if !regOK.Load() {
		return
	}
	for _, s := range healthStatuses {
		healthStatus.WithLabelValues(worker, s).Set(boolToFloat(s == status))
	}
}

func SetConsecutiveUnhealthy(worker string, n int) {
	if regOK.Load() {
		consecutiveUnhealthy.WithLabelValues(worker).Set(float64(n))
	}
}

func SetRestartsInWindow(worker string, n int) {
	if regOK.Load() {
		restartsInWindow.WithLabelValues(worker).Set(float64(n))
	}
}

func ObservePoll(worker string, seconds float64) {
	if regOK.Load() {
		pollDuration.WithLabelValues(worker).Observe(seconds)
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
