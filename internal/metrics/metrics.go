package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stop modes recorded by IncStop.
const (
	StopGraceful = "graceful"
	StopForced   = "forced"
	StopExited   = "exited"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "easysvc",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker starts.",
		}, []string{"name"},
	)
	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "easysvc",
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Number of restarts after an unexpected exit.",
		}, []string{"name"},
	)
	workerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "easysvc",
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of stops by mode (graceful, forced, exited).",
		}, []string{"name", "mode"},
	)
	memoryKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "easysvc",
			Subsystem: "worker",
			Name:      "memory_kills_total",
			Help:      "Number of process trees killed for exceeding the memory limit.",
		}, []string{"name"},
	)
	treeMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "easysvc",
			Subsystem: "worker",
			Name:      "tree_memory_bytes",
			Help:      "Resident memory of the whole worker process tree at the last poll.",
		}, []string{"name"},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "easysvc",
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "easysvc",
			Subsystem: "supervisor",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)

	outputLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "easysvc",
			Subsystem: "output",
			Name:      "lines_total",
			Help:      "Number of worker output lines captured.",
		}, []string{"name"},
	)
	outputErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "easysvc",
			Subsystem: "output",
			Name:      "write_errors_total",
			Help:      "Number of failed output file writes.",
		}, []string{"name"},
	)
	rotatedFiles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "easysvc",
			Subsystem: "output",
			Name:      "rotated_files_total",
			Help:      "Number of daily output files deleted by retention.",
		}, []string{"name"},
	)

	orchestrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "easysvc",
			Subsystem: "fleet",
			Name:      "operations_total",
			Help:      "Per-service fleet operations by result.",
		}, []string{"op", "result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		workerStarts, workerRestarts, workerStops, memoryKills, treeMemory,
		stateTransitions, currentStates,
		outputLines, outputErrors, rotatedFiles,
		orchestrations,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with the default registry: keep the existing one
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

// Enabled reports whether Register has succeeded.
func Enabled() bool { return regOK.Load() }

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Helpers below no-op until Register has been called.

func IncStart(name string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		workerRestarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name, mode string) {
	if regOK.Load() {
		workerStops.WithLabelValues(name, mode).Inc()
	}
}

func IncMemoryKill(name string) {
	if regOK.Load() {
		memoryKills.WithLabelValues(name).Inc()
	}
}

func SetTreeMemory(name string, bytes uint64) {
	if regOK.Load() {
		treeMemory.WithLabelValues(name).Set(float64(bytes))
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}

func IncOutputLine(name string) {
	if regOK.Load() {
		outputLines.WithLabelValues(name).Inc()
	}
}

func IncOutputError(name string) {
	if regOK.Load() {
		outputErrors.WithLabelValues(name).Inc()
	}
}

func IncRotated(name string) {
	if regOK.Load() {
		rotatedFiles.WithLabelValues(name).Inc()
	}
}

func IncFleetOp(op, result string) {
	if regOK.Load() {
		orchestrations.WithLabelValues(op, result).Inc()
	}
}
