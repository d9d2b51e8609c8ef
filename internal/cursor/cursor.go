// Package cursor implements incremental extraction: a canonical range filter
// over a cursor column, and a tracker that records the checkpoint to persist
// once a resource has been loaded.
//
// Boundary modes map onto the filter as follows:
//
//	start            cursor >= start, cursor <  end
//	end              cursor >  start, cursor <= end
//	start-end        cursor >= start, cursor <= end
//	between          same as start-end
//	(default)        cursor >  start, cursor <  end
//
// The effective start is the persisted checkpoint when one exists, otherwise
// the configured start. Lag is subtracted from the effective start at run
// time: numerically for numeric cursors, as seconds for timestamp cursors.
package cursor

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/zeebo/xxh3"

	"github.com/smalldata-ai/ferry-sub000/internal/directive"
	"github.com/smalldata-ai/ferry-sub000/internal/rules"
	"github.com/smalldata-ai/ferry-sub000/pkg/records"
)

// Checkpoint is the persisted cursor position of one resource.
type Checkpoint struct {
	// LastValue is the maximum cursor value loaded so far.
	LastValue any `json:"last_value,omitempty" yaml:"last_value,omitempty"`
	// BoundaryHashes identify the rows loaded at LastValue. A closed-start
	// run skips them so re-reading the boundary does not duplicate rows.
	BoundaryHashes []string `json:"boundary_hashes,omitempty" yaml:"boundary_hashes,omitempty"`
}

// Empty reports whether no position has been recorded.
func (c Checkpoint) Empty() bool { return c.LastValue == nil }

// Filter is the canonical form of an incremental configuration.
type Filter struct {
	Column      string
	Start       any
	End         any
	StartClosed bool
	EndClosed   bool

	skipAt any
	skip   map[string]struct{}
}

// NewFilter builds the run's filter from the directive and the persisted
// checkpoint. A nil inc yields a nil filter, which matches everything.
func NewFilter(inc *directive.Incremental, cp Checkpoint) *Filter {
	if inc == nil || inc.Column == "" {
		return nil
	}
	f := &Filter{Column: inc.Column, End: Native(inc.End)}
	switch inc.Mode {
	case directive.BoundaryStart:
		f.StartClosed = true
	case directive.BoundaryEnd:
		f.EndClosed = true
	case directive.BoundaryStartEnd, directive.BoundaryBetween:
		f.StartClosed, f.EndClosed = true, true
	}

	start := Native(inc.Start)
	if !cp.Empty() {
		start = Native(cp.LastValue)
		if f.StartClosed && inc.Lag == 0 && len(cp.BoundaryHashes) > 0 {
			f.skipAt = start
			f.skip = make(map[string]struct{}, len(cp.BoundaryHashes))
			for _, h := range cp.BoundaryHashes {
				f.skip[h] = struct{}{}
			}
		}
	}
	f.Start = subtractLag(start, inc.Lag)
	return f
}

// Active reports whether f restricts anything.
func (f *Filter) Active() bool { return f != nil && f.Column != "" }

// Match reports whether rec falls inside the range. Records without the
// cursor column, or with a null cursor, never match an active filter.
func (f *Filter) Match(rec records.Record) (bool, error) {
	if !f.Active() {
		return true, nil
	}
	v, ok := rec[f.Column]
	if !ok || v == nil {
		return false, nil
	}
	if f.Start != nil {
		c, err := Compare(v, f.Start)
		if err != nil {
			return false, fmt.Errorf("cursor %s: %w", f.Column, err)
		}
		if c < 0 || (c == 0 && !f.StartClosed) {
			return false, nil
		}
	}
	if f.End != nil {
		c, err := Compare(v, f.End)
		if err != nil {
			return false, fmt.Errorf("cursor %s: %w", f.Column, err)
		}
		if c > 0 || (c == 0 && !f.EndClosed) {
			return false, nil
		}
	}
	if f.skip != nil {
		if c, err := Compare(v, f.skipAt); err == nil && c == 0 {
			if _, dup := f.skip[RowHash(rec)]; dup {
				return false, nil
			}
		}
	}
	return true, nil
}

// Tracker observes staged rows and produces the next checkpoint. It is not
// safe for concurrent use; each resource owns one.
type Tracker struct {
	column string
	max    any
	hashes map[string]struct{}
	prev   Checkpoint
}

// NewTracker returns a tracker for column seeded with the previous
// checkpoint, so a run that stages nothing keeps its position.
func NewTracker(column string, prev Checkpoint) *Tracker {
	return &Tracker{column: column, prev: prev}
}

// Observe records rec's cursor value.
func (t *Tracker) Observe(rec records.Record) error {
	if t == nil || t.column == "" {
		return nil
	}
	v, ok := rec[t.column]
	if !ok || v == nil {
		return nil
	}
	if t.max == nil {
		t.max = v
		t.hashes = map[string]struct{}{RowHash(rec): {}}
		return nil
	}
	c, err := Compare(v, t.max)
	if err != nil {
		return fmt.Errorf("cursor %s: %w", t.column, err)
	}
	switch {
	case c > 0:
		t.max = v
		t.hashes = map[string]struct{}{RowHash(rec): {}}
	case c == 0:
		t.hashes[RowHash(rec)] = struct{}{}
	}
	return nil
}

// Checkpoint returns the position to persist after a successful load: the
// larger of the previous checkpoint and the maximum observed value.
func (t *Tracker) Checkpoint() Checkpoint {
	if t == nil || t.max == nil {
		if t == nil {
			return Checkpoint{}
		}
		return t.prev
	}
	if !t.prev.Empty() {
		c, err := Compare(t.prev.LastValue, t.max)
		if err == nil && c > 0 {
			return t.prev
		}
		// Rows loaded earlier at the same value stay on the boundary.
		if err == nil && c == 0 {
			for _, h := range t.prev.BoundaryHashes {
				t.hashes[h] = struct{}{}
			}
		}
	}
	hashes := make([]string, 0, len(t.hashes))
	for h := range t.hashes {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	return Checkpoint{LastValue: Encode(t.max), BoundaryHashes: hashes}
}

// RowHash is a stable content hash of rec: xxh3 over sorted column names and
// their stringified values.
func RowHash(rec records.Record) string {
	h := xxh3.New()
	for _, k := range rec.Keys() {
		_, _ = h.WriteString(k)
		_, _ = h.Write([]byte{0x1f})
		if v := rec[k]; v == nil {
			_, _ = h.Write([]byte{0x00})
		} else {
			_, _ = h.WriteString(rules.Stringify(v))
		}
		_, _ = h.Write([]byte{0x1e})
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
