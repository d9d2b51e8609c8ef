// Package metrics provides a small, backend-agnostic abstraction for recording
// operational metrics from ingestion runs.
//
// The package is deliberately narrow:
//
//   - It exposes a Backend interface focused on counters and timing data.
//   - It keeps a global, pluggable backend that defaults to a no-op, so the
//     engine can always record metrics whether or not a backend is
//     configured.
//   - Concrete metric systems live in subpackages (prompush, datadog) and the
//     rest of the module depends only on this interface.
//
// Instrumented points are the three pipeline phases (extract, normalize,
// load), row counts per phase and destination table, and stage-write
// batches.
package metrics

import (
	"sync"
	"time"
)

// Metric names emitted by the helpers below.
const (
	PhaseTotal           = "ferry_phase_total"
	PhaseDurationSeconds = "ferry_phase_duration_seconds"
	RowsTotal            = "ferry_rows_total"
	BatchesTotal         = "ferry_batches_total"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a latency/duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it (e.g. Pushgateway).
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs a concrete backend. Passing nil keeps the existing backend.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush delegates to the current backend.
func Flush() error {
	return current().Flush()
}

// RecordPhase counts one execution of a pipeline phase and its duration,
// labelled success or failure.
func RecordPhase(pipeline, phase string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	lbls := Labels{
		"pipeline": pipeline,
		"phase":    phase,
		"status":   status,
	}
	b := current()
	b.IncCounter(PhaseTotal, 1, lbls)
	b.ObserveHistogram(PhaseDurationSeconds, d.Seconds(), lbls)
}

// RecordRows increments the row counter for a phase and destination table.
func RecordRows(pipeline, phase, table string, delta int64) {
	if delta <= 0 {
		return
	}
	current().IncCounter(RowsTotal, float64(delta), Labels{
		"pipeline": pipeline,
		"phase":    phase,
		"table":    table,
	})
}

// RecordBatches increments the stage-write batch counter for a table.
func RecordBatches(pipeline, table string, delta int64) {
	if delta <= 0 {
		return
	}
	current().IncCounter(BatchesTotal, float64(delta), Labels{
		"pipeline": pipeline,
		"table":    table,
	})
}
