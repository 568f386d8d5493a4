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

	workerTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pegstudy",
			Subsystem: "worker",
			Name:      "ticks_total",
			Help:      "Number of worker loop ticks.",
		}, []string{"worker"},
	)
	workerIdle = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pegstudy",
			Subsystem: "worker",
			Name:      "idle_ticks_total",
			Help:      "Number of ticks that neither wrote nor received data.",
		}, []string{"worker"},
	)
	writes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pegstudy",
			Subsystem: "worker",
			Name:      "writes_total",
			Help:      "Number of payloads written to a channel.",
		}, []string{"worker"},
	)
	writeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pegstudy",
			Subsystem: "worker",
			Name:      "write_errors_total",
			Help:      "Number of failed channel writes.",
		}, []string{"worker"},
	)
	dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pegstudy",
			Subsystem: "worker",
			Name:      "dropped_total",
			Help:      "Number of payloads discarded without being written.",
		}, []string{"worker"},
	)
	resets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pegstudy",
			Subsystem: "worker",
			Name:      "resets_total",
			Help:      "Number of channel recycles by reason (forced_reset, no_data_timeout).",
		}, []string{"worker", "reason"},
	)
	opens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pegstudy",
			Subsystem: "worker",
			Name:      "opens_total",
			Help:      "Number of successful channel opens.",
		}, []string{"worker"},
	)
	openFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pegstudy",
			Subsystem: "worker",
			Name:      "open_failures_total",
			Help:      "Number of failed channel opens.",
		}, []string{"worker"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pegstudy",
			Subsystem: "worker",
			Name:      "queue_depth",
			Help:      "Payloads waiting in the worker queue.",
		}, []string{"worker"},
	)
	workerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pegstudy",
			Subsystem: "worker",
			Name:      "state",
			Help:      "Current worker state (1 = active state, 0 = inactive).",
		}, []string{"worker", "state"},
	)
)

var workerStates = []string{"idle", "running", "degraded", "stopped"}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{workerTicks, workerIdle, writes, writeErrors, dropped, resets, opens, openFailures, queueDepth, workerState}
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

// Helpers below no-op until Register succeeded.

func IncWorkerTick(worker string) {
	if regOK.Load() {
		workerTicks.WithLabelValues(worker).Inc()
	}
}

func IncWorkerIdle(worker string) {
	if regOK.Load() {
		workerIdle.WithLabelValues(worker).Inc()
	}
}

func IncWritten(worker string) {
	if regOK.Load() {
		writes.WithLabelValues(worker).Inc()
	}
}

func IncWriteError(worker string) {
	if regOK.Load() {
		writeErrors.WithLabelValues(worker).Inc()
	}
}

func AddDropped(worker string, n int) {
	if regOK.Load() && n > 0 {
		dropped.WithLabelValues(worker).Add(float64(n))
	}
}

func IncReset(worker, reason string) {
	if regOK.Load() {
		resets.WithLabelValues(worker, reason).Inc()
	}
}

func IncOpen(worker string) {
	if regOK.Load() {
		opens.WithLabelValues(worker).Inc()
	}
}

func IncOpenFailure(worker string) {
	if regOK.Load() {
		openFailures.WithLabelValues(worker).Inc()
	}
}

func SetQueueDepth(worker string, n int) {
	if regOK.Load() {
		queueDepth.WithLabelValues(worker).Set(float64(n))
	}
}

// SetWorkerState marks state as the active one for worker.
func SetWorkerState(worker, state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range workerStates {
		var v float64
		if s == state {
			v = 1
		}
		workerState.WithLabelValues(worker, s).Set(v)
	}
}
