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

	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "horizon",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of worker processes forked.",
		}, []string{"supervisor", "queue"},
	)
	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "horizon",
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Number of workers replaced after an unexpected exit.",
		}, []string{"supervisor", "queue"},
	)
	workerKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "horizon",
			Subsystem: "worker",
			Name:      "kills_total",
			Help:      "Number of workers killed after overrunning their timeout.",
		}, []string{"supervisor"},
	)
	poolProcesses = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "horizon",
			Subsystem: "supervisor",
			Name:      "processes",
			Help:      "Desired worker count per supervisor pool.",
		}, []string{"supervisor", "queue"},
	)
	scaleEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "horizon",
			Subsystem: "supervisor",
			Name:      "scale_total",
			Help:      "Number of auto balancing changes by direction.",
		}, []string{"supervisor", "queue", "direction"},
	)
	paused = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "horizon",
			Subsystem: "supervisor",
			Name:      "paused",
			Help:      "1 when the supervisor is paused.",
		}, []string{"supervisor"},
	)
	tickErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "horizon",
			Subsystem: "master",
			Name:      "tick_errors_total",
			Help:      "Number of failed monitor loop steps.",
		}, []string{"step"},
	)
	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "horizon",
			Subsystem: "master",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one monitor loop tick.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	orphansSignalled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "horizon",
			Subsystem: "purge",
			Name:      "orphans_signalled_total",
			Help:      "Number of orphaned workers signalled by phase.",
		}, []string{"phase"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		workerStarts, workerRestarts, workerKills, poolProcesses, scaleEvents,
		paused, tickErrors, tickDuration, orphansSignalled,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
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

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncWorkerStart(supervisor, queue string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(supervisor, queue).Inc()
	}
}

func IncWorkerRestart(supervisor, queue string) {
	if regOK.Load() {
		workerRestarts.WithLabelValues(supervisor, queue).Inc()
	}
}

func IncWorkerKill(supervisor string) {
	if regOK.Load() {
		workerKills.WithLabelValues(supervisor).Inc()
	}
}

func SetPoolProcesses(supervisor, queue string, n int) {
	if regOK.Load() {
		poolProcesses.WithLabelValues(supervisor, queue).Set(float64(n))
	}
}

// RecordScale counts one balancing change; delta sign selects the direction label.
func RecordScale(supervisor, queue string, delta int) {
	if !regOK.Load() || delta == 0 {
		return
	}
	dir := "up"
	if delta < 0 {
		dir = "down"
	}
	scaleEvents.WithLabelValues(supervisor, queue, dir).Inc()
}

func SetPaused(supervisor string, v bool) {
	if regOK.Load() {
		var f float64
		if v {
			f = 1
		}
		paused.WithLabelValues(supervisor).Set(f)
	}
}

func IncTickError(step string) {
	if regOK.Load() {
		tickErrors.WithLabelValues(step).Inc()
	}
}

func ObserveTick(seconds float64) {
	if regOK.Load() {
		tickDuration.Observe(seconds)
	}
}

func AddOrphansSignalled(phase string, n int) {
	if regOK.Load() && n > 0 {
		orphansSignalled.WithLabelValues(phase).Add(float64(n))
	}
}
