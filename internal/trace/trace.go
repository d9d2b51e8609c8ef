// Package trace records the auditable history of a pipeline run and persists
// it under .traces/<identity>.json.
//
// Status values only move forward: pending, processing, then completed or
// failed. Completed and failed are terminal; later transitions are ignored.
package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/smalldata-ai/ferry-sub000/internal/ferryerr"
	"github.com/smalldata-ai/ferry-sub000/internal/state"
)

// Status of a run, phase or resource.
type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case Processing:
		return 1
	case Completed, Failed:
		return 2
	default:
		return 0
	}
}

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool { return s == Completed || s == Failed }

// next returns the status after requesting a move from cur to want.
func next(cur, want Status) Status {
	if cur.Terminal() || want.rank() < cur.rank() {
		return cur
	}
	return want
}

// Phase names.
const (
	Extract   = "extract"
	Normalize = "normalize"
	Load      = "load"
)

// Resource is the per-resource record of one phase.
type Resource struct {
	Status    Status     `json:"status"`
	RowCount  *int64     `json:"row_count,omitempty"`
	FileSize  *int64     `json:"file_size,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Phase is the record of one pipeline phase.
type Phase struct {
	Status     Status               `json:"status"`
	StartedAt  *time.Time           `json:"started_at,omitempty"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
	Error      string               `json:"error,omitempty"`
	Resources  map[string]*Resource `json:"resources"`
}

// Trace is the persisted record of the latest run of a pipeline identity.
type Trace struct {
	Identity          string            `json:"identity"`
	SourceFamily      string            `json:"source_family"`
	DestinationFamily string            `json:"destination_family"`
	DatasetName       string            `json:"dataset_name,omitempty"`
	LoadID            string            `json:"load_id,omitempty"`
	SchemaVersionHash string            `json:"schema_version_hash,omitempty"`
	Status            Status            `json:"status"`
	StartedAt         time.Time         `json:"started_at"`
	FinishedAt        *time.Time        `json:"finished_at,omitempty"`
	Phases            map[string]*Phase `json:"phases"`
	Errors            []string          `json:"errors,omitempty"`
}

// New returns a pending trace.
func New(identity, sourceFamily, destFamily string, now time.Time) *Trace {
	t := &Trace{
		Identity:          identity,
		SourceFamily:      sourceFamily,
		DestinationFamily: destFamily,
		Status:            Pending,
		StartedAt:         now.UTC(),
		Phases:            map[string]*Phase{},
	}
	for _, p := range []string{Extract, Normalize, Load} {
		t.Phases[p] = &Phase{Status: Pending, Resources: map[string]*Resource{}}
	}
	return t
}

func (t *Trace) phase(name string) *Phase {
	p, ok := t.Phases[name]
	if !ok {
		p = &Phase{Status: Pending, Resources: map[string]*Resource{}}
		t.Phases[name] = p
	}
	if p.Resources == nil {
		p.Resources = map[string]*Resource{}
	}
	return p
}

// Resource returns the record for resource in phase, or nil.
func (t *Trace) Resource(phase, resource string) *Resource {
	if p, ok := t.Phases[phase]; ok {
		return p.Resources[resource]
	}
	return nil
}

func stamp(now time.Time) *time.Time {
	u := now.UTC()
	return &u
}

// Store reads and writes traces under a directory.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store { return &Store{dir: dir} }

func (s *Store) path(identity string) string {
	return filepath.Join(s.dir, identity+".json")
}

// Load returns the trace of identity. A missing trace is a NotFound error.
func (s *Store) Load(identity string) (*Trace, error) {
	b, err := os.ReadFile(s.path(identity))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ferryerr.Newf(ferryerr.KindNotFound, "pipeline %q not found", identity)
	}
	if err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	var t Trace
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("decode trace %s: %w", identity, err)
	}
	return &t, nil
}

// Save writes t atomically.
func (s *Store) Save(t *Trace) error {
	b, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("encode trace: %w", err)
	}
	return state.WriteFileAtomic(s.path(t.Identity), b, 0o644)
}

// Recorder applies transitions to one trace and persists each of them.
// Methods are safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	t     *Trace
	store *Store
	now   func() time.Time
}

// NewRecorder persists t and returns a recorder for it.
func NewRecorder(store *Store, t *Trace) (*Recorder, error) {
	r := &Recorder{t: t, store: store, now: time.Now}
	if err := store.Save(t); err != nil {
		return nil, err
	}
	return r, nil
}

// Snapshot returns a deep copy of the current trace.
func (r *Recorder) Snapshot() *Trace {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, _ := json.Marshal(r.t)
	var out Trace
	_ = json.Unmarshal(b, &out)
	return &out
}

func (r *Recorder) update(fn func(t *Trace, now time.Time)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.t, r.now())
	return r.store.Save(r.t)
}

// Processing moves the run to processing and records load and dataset names.
func (r *Recorder) Processing(loadID, dataset string) error {
	return r.update(func(t *Trace, _ time.Time) {
		t.Status = next(t.Status, Processing)
		t.LoadID = loadID
		t.DatasetName = dataset
	})
}

// StartPhase marks resource as processing in phase.
func (r *Recorder) StartPhase(phase, resource string) error {
	return r.update(func(t *Trace, now time.Time) {
		p := t.phase(phase)
		if p.StartedAt == nil {
			p.StartedAt = stamp(now)
		}
		p.Status = next(p.Status, Processing)
		res, ok := p.Resources[resource]
		if !ok {
			res = &Resource{Status: Pending}
			p.Resources[resource] = res
		}
		if res.StartTime == nil {
			res.StartTime = stamp(now)
		}
		res.Status = next(res.Status, Processing)
	})
}

// FinishPhase records the outcome of resource in phase. A nil error
// completes it; rows and size are recorded when non-negative.
func (r *Recorder) FinishPhase(phase, resource string, rows, size int64, err error) error {
	return r.update(func(t *Trace, now time.Time) {
		p := t.phase(phase)
		res, ok := p.Resources[resource]
		if !ok {
			res = &Resource{Status: Pending, StartTime: stamp(now)}
			p.Resources[resource] = res
		}
		if res.Status.Terminal() {
			return
		}
		res.EndTime = stamp(now)
		if rows >= 0 {
			res.RowCount = &rows
		}
		if size >= 0 {
			res.FileSize = &size
		}
		if err != nil {
			res.Status = Failed
			res.Error = err.Error()
			p.Error = err.Error()
			return
		}
		res.Status = Completed
	})
}

// ClosePhase finalizes a phase: failed when any resource failed, otherwise
// completed.
func (r *Recorder) ClosePhase(phase string) error {
	return r.update(func(t *Trace, now time.Time) {
		p := t.phase(phase)
		if p.Status.Terminal() {
			return
		}
		st := Completed
		for _, res := range p.Resources {
			if res.Status == Failed {
				st = Failed
			}
		}
		p.Status = st
		p.FinishedAt = stamp(now)
	})
}

// SetSchemaHash records the schema version hash.
func (r *Recorder) SetSchemaHash(hash string) error {
	return r.update(func(t *Trace, _ time.Time) { t.SchemaVersionHash = hash })
}

// Finish moves the run to completed, or failed when err is non-nil. Open
// phases are closed with the same outcome.
func (r *Recorder) Finish(err error) error {
	return r.update(func(t *Trace, now time.Time) {
		if t.Status.Terminal() {
			return
		}
		final := Completed
		if err != nil {
			final = Failed
			t.Errors = append(t.Errors, flatten(err)...)
		}
		for _, p := range t.Phases {
			if p.Status.Terminal() {
				continue
			}
			if p.Status == Pending && final == Completed {
				p.Status = Completed
				continue
			}
			p.Status = final
			p.FinishedAt = stamp(now)
		}
		t.Status = next(t.Status, final)
		t.FinishedAt = stamp(now)
	})
}

// flatten splits joined and multierror errors into one message each.
func flatten(err error) []string {
	if u, ok := err.(interface{ WrappedErrors() []error }); ok {
		var out []string
		for _, e := range u.WrappedErrors() {
			out = append(out, flatten(e)...)
		}
		return out
	}
	if u, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range u.Unwrap() {
			out = append(out, flatten(e)...)
		}
		return out
	}
	return []string{err.Error()}
}
