// Package metrics records run counters in a private prometheus registry and
// writes them as a node_exporter textfile next to the workspace record.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ralph"

// Recorder collects run metrics. A nil *Recorder is valid and records
// nothing, so callers never need to guard optional metrics.
type Recorder struct {
	registry    *prometheus.Registry
	iterations  *prometheus.CounterVec
	rotations   prometheus.Counter
	retries     prometheus.Counter
	restores    prometheus.Counter
	estimate    prometheus.Gauge
	terminals   *prometheus.CounterVec
	units       *prometheus.CounterVec
	invocations prometheus.Histogram
}

// New creates a Recorder with its own registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Agent invocations completed, by effective signal.",
		}, []string{"signal"}),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotations_total",
			Help:      "Context rotations.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocation_retries_total",
			Help:      "Agent invocations retried after a transient failure.",
		}),
		restores: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_restores_total",
			Help:      "Mirror files restored after the agent changed them.",
		}),
		estimate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "context_estimate",
			Help:      "Estimated context tokens consumed by the current session.",
		}),
		terminals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminal_states_total",
			Help:      "Controller runs that ended, by terminal state.",
		}, []string{"state"}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parallel_units_total",
			Help:      "Parallel units finished, by status.",
		}, []string{"status"}),
		invocations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Wall time of one agent invocation, retries included.",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}),
	}
	r.registry.MustRegister(
		r.iterations,
		r.rotations,
		r.retries,
		r.restores,
		r.estimate,
		r.terminals,
		r.units,
		r.invocations,
	)
	return r
}

// Registry exposes the underlying registry, mostly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Iteration records one completed invocation.
func (r *Recorder) Iteration(signal string, d time.Duration) {
	if r == nil {
		return
	}
	r.iterations.WithLabelValues(signal).Inc()
	r.invocations.Observe(d.Seconds())
}

// Rotation records a context rotation.
func (r *Recorder) Rotation() {
	if r == nil {
		return
	}
	r.rotations.Inc()
}

// Retry records a retried invocation attempt.
func (r *Recorder) Retry() {
	if r == nil {
		return
	}
	r.retries.Inc()
}

// Restores adds n mirror restores.
func (r *Recorder) Restores(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.restores.Add(float64(n))
}

// ContextEstimate sets the current context estimate.
func (r *Recorder) ContextEstimate(n int) {
	if r == nil {
		return
	}
	r.estimate.Set(float64(n))
}

// Terminal records a controller reaching state.
func (r *Recorder) Terminal(state string) {
	if r == nil {
		return
	}
	r.terminals.WithLabelValues(state).Inc()
}

// Unit records a parallel unit finishing with status.
func (r *Recorder) Unit(status string) {
	if r == nil {
		return
	}
	r.units.WithLabelValues(status).Inc()
}

// WriteTextfile writes all metrics to path in the text exposition format.
// The file is replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
