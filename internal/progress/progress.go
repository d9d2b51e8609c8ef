// Package progress tracks per-phase, per-table item counts of a running
// pipeline and periodically writes a snapshot of them to disk.
//
// Counters are atomic and may be updated from any goroutine. Snapshot writes
// are throttled to at most one per period; Close forces a final write.
package progress

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/smalldata-ai/ferry-sub000/internal/logging"
	"github.com/smalldata-ai/ferry-sub000/internal/metrics"
	"github.com/smalldata-ai/ferry-sub000/internal/state"
)

// Phase is a pipeline phase.
type Phase string

const (
	Extract   Phase = "extract"
	Normalize Phase = "normalize"
	Load      Phase = "load"
)

// Phases lists the phases in execution order.
var Phases = []Phase{Extract, Normalize, Load}

func (p Phase) index() int {
	for i, q := range Phases {
		if q == p {
			return i
		}
	}
	return -1
}

// Status of a phase. Values only move forward.
type Status int32

const (
	Pending Status = iota
	InProcess
	Completed
)

func (s Status) String() string {
	switch s {
	case InProcess:
		return "in_process"
	case Completed:
		return "completed"
	default:
		return "pending"
	}
}

func (s Status) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// Names that never show up in counters.
var hidden = map[string]bool{
	"_dlt_pipeline_state": true,
	"Resources":           true,
}

// Key returns the counter key for name and label.
func Key(name, label string) string {
	if label == "" {
		return name
	}
	return name + "|" + label
}

type phaseState struct {
	status   atomic.Int32
	started  atomic.Int64 // unix nanos of the first update
	counters sync.Map     // key -> *atomic.Int64
}

func (ps *phaseState) raise(s Status) {
	for {
		cur := ps.status.Load()
		if cur >= int32(s) {
			return
		}
		if ps.status.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// TableStats is the snapshot of one counter.
type TableStats struct {
	Items          int64   `json:"items"`
	ItemsPerSecond float64 `json:"items_per_second"`
}

// PhaseSnapshot is the snapshot of one phase.
type PhaseSnapshot struct {
	Phase          Phase                 `json:"phase"`
	Status         Status                `json:"status"`
	Items          int64                 `json:"items"`
	ElapsedSeconds float64               `json:"elapsed_seconds"`
	ItemsPerSecond float64               `json:"items_per_second"`
	Tables         map[string]TableStats `json:"tables"`
}

// Snapshot is the document written to the progress file.
type Snapshot struct {
	Pipeline       string          `json:"pipeline_name"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ElapsedSeconds float64         `json:"elapsed_seconds"`
	Phases         []PhaseSnapshot `json:"phases"`
}

// Phase returns the snapshot of p, or a zero value when absent.
func (s Snapshot) Phase(p Phase) PhaseSnapshot {
	for _, ps := range s.Phases {
		if ps.Phase == p {
			return ps
		}
	}
	return PhaseSnapshot{Phase: p}
}

// Collector accumulates progress for one pipeline run.
type Collector struct {
	pipeline string
	path     string
	log      *zap.Logger
	start    time.Time
	now      func() time.Time

	every  rate.Sometimes
	phases [3]phaseState

	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewCollector returns a collector that writes snapshots for pipeline to
// <dir>/<pipeline>.jsonl at most once per period. A non-positive period
// writes on every update.
func NewCollector(dir, pipeline string, period time.Duration, log *zap.Logger) *Collector {
	c := &Collector{
		pipeline: pipeline,
		path:     filepath.Join(dir, pipeline+".jsonl"),
		log:      logging.OrNop(log).Named("progress"),
		start:    time.Now(),
		now:      time.Now,
	}
	if period > 0 {
		c.every = rate.Sometimes{Interval: period}
	} else {
		c.every = rate.Sometimes{Every: 1}
	}
	return c
}

// Path is the snapshot file.
func (c *Collector) Path() string { return c.path }

// Update adds delta items to the (phase, name|label) counter. The phase is
// marked in process and every earlier phase completed.
func (c *Collector) Update(phase Phase, name, label string, delta int64) {
	idx := phase.index()
	if idx < 0 || hidden[name] {
		return
	}
	c.promote(idx)

	ps := &c.phases[idx]
	ps.started.CompareAndSwap(0, c.now().UnixNano())
	v, _ := ps.counters.LoadOrStore(Key(name, label), new(atomic.Int64))
	v.(*atomic.Int64).Add(delta)

	metrics.RecordRows(c.pipeline, string(phase), name, delta)

	if c.closed.Load() {
		return
	}
	c.every.Do(func() {
		if err := c.write(c.Snapshot()); err != nil {
			c.log.Warn("progress snapshot", zap.Error(err))
		}
	})
}

// Start marks phase in process without counting anything.
func (c *Collector) Start(phase Phase) {
	if idx := phase.index(); idx >= 0 {
		c.promote(idx)
		c.phases[idx].started.CompareAndSwap(0, c.now().UnixNano())
	}
}

// Complete marks phase and every earlier phase completed.
func (c *Collector) Complete(phase Phase) {
	idx := phase.index()
	if idx < 0 {
		return
	}
	for i := 0; i <= idx; i++ {
		c.phases[i].raise(Completed)
	}
}

func (c *Collector) promote(idx int) {
	for i := 0; i < idx; i++ {
		c.phases[i].raise(Completed)
	}
	c.phases[idx].raise(InProcess)
}

// Count returns the current value of a counter.
func (c *Collector) Count(phase Phase, name, label string) int64 {
	idx := phase.index()
	if idx < 0 {
		return 0
	}
	if v, ok := c.phases[idx].counters.Load(Key(name, label)); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

// Snapshot captures the current counters.
func (c *Collector) Snapshot() Snapshot {
	now := c.now()
	snap := Snapshot{
		Pipeline:       c.pipeline,
		UpdatedAt:      now.UTC(),
		ElapsedSeconds: now.Sub(c.start).Seconds(),
		Phases:         make([]PhaseSnapshot, 0, len(Phases)),
	}
	for i, p := range Phases {
		ps := &c.phases[i]
		out := PhaseSnapshot{
			Phase:  p,
			Status: Status(ps.status.Load()),
			Tables: map[string]TableStats{},
		}
		var elapsed float64
		if started := ps.started.Load(); started > 0 {
			elapsed = now.Sub(time.Unix(0, started)).Seconds()
		}
		out.ElapsedSeconds = elapsed
		ps.counters.Range(func(k, v any) bool {
			n := v.(*atomic.Int64).Load()
			out.Items += n
			out.Tables[k.(string)] = TableStats{Items: n, ItemsPerSecond: perSecond(n, elapsed)}
			return true
		})
		out.ItemsPerSecond = perSecond(out.Items, elapsed)
		snap.Phases = append(snap.Phases, out)
	}
	return snap
}

func perSecond(n int64, secs float64) float64 {
	if secs <= 0 {
		return 0
	}
	return float64(n) / secs
}

// Close writes a final snapshot. Later updates still count but are no longer
// written.
func (c *Collector) Close() error {
	c.closed.Store(true)
	return c.write(c.Snapshot())
}

func (c *Collector) write(s Snapshot) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	b = append(b, '\n')
	if err := state.WriteFileAtomic(c.path, b, 0o644); err != nil {
		return err
	}
	c.log.Info("progress",
		zap.String("pipeline", s.Pipeline),
		zap.String("phases", summary(s)),
		zap.Duration("elapsed", time.Duration(s.ElapsedSeconds*float64(time.Second)).Truncate(time.Millisecond)),
	)
	return nil
}

// summary renders "extract=completed:120 normalize=in_process:80 ...".
func summary(s Snapshot) string {
	parts := make([]string, 0, len(s.Phases))
	for _, p := range s.Phases {
		parts = append(parts, fmt.Sprintf("%s=%s:%d", p.Phase, p.Status, p.Items))
	}
	return strings.Join(parts, " ")
}
