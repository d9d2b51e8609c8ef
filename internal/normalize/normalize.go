// Package normalize is the NORMALIZE phase: it folds extracted records into
// destination-ready rows (identifier-normalized columns plus ferry's system
// columns), infers the table schema and writes the rows to a load package.
package normalize

import (
	"context"
	"fmt"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/smalldata-ai/ferry-sub000/internal/cursor"
	"github.com/smalldata-ai/ferry-sub000/internal/directive"
	"github.com/smalldata-ai/ferry-sub000/internal/loadpkg"
	"github.com/smalldata-ai/ferry-sub000/internal/rules"
	"github.com/smalldata-ai/ferry-sub000/internal/schema"
	"github.com/smalldata-ai/ferry-sub000/pkg/records"
)

// Table normalizes the records of one resource.
type Table struct {
	// Name is the destination table name, already normalized.
	Name   string
	LoadID string
	// RowsPerFile is the partition size.
	RowsPerFile int
	// SCD2 is set for merge/scd2 resources; rows then carry a row hash and,
	// unless the boundary timestamp is used, their own valid_from.
	SCD2 *directive.SCD2Config
	// Tracker observes the cursor of every record, before renaming.
	Tracker *cursor.Tracker
	// Now stamps valid_from; nil means time.Now.
	Now func() time.Time
	// OnRow is called after each written row.
	OnRow func()

	names map[string]string
}

// Result describes what a run of Table wrote.
type Result struct {
	Schema     schema.Table
	Files      []string
	Rows       int64
	Checkpoint cursor.Checkpoint
}

// Run drains in into the load package m. A nil error means every record was
// written; on error the partial files are removed.
func (t *Table) Run(ctx context.Context, m *loadpkg.Manifest, in <-chan records.Record) (Result, error) {
	w := loadpkg.NewWriter(m, t.Name, t.RowsPerFile)
	out := schema.Table{Name: t.Name}
	now := t.Now
	if now == nil {
		now = time.Now
	}

	for {
		var (
			rec records.Record
			ok  bool
		)
		select {
		case <-ctx.Done():
			w.Abort()
			return Result{}, ctx.Err()
		case rec, ok = <-in:
		}
		if !ok {
			break
		}
		if err := t.Tracker.Observe(rec); err != nil {
			w.Abort()
			return Result{}, err
		}
		row := t.Row(rec, now())
		out.Observe(row)
		if err := w.Write(row); err != nil {
			w.Abort()
			return Result{}, err
		}
		if t.OnRow != nil {
			t.OnRow()
		}
	}

	files, rows, err := w.Close()
	if err != nil {
		w.Abort()
		return Result{}, fmt.Errorf("close %s partitions: %w", t.Name, err)
	}
	out.Finalize()
	return Result{Schema: out, Files: files, Rows: rows, Checkpoint: t.Tracker.Checkpoint()}, nil
}

// Row returns the destination form of rec: keys normalized, the load id
// added, and for SCD2 the row hash plus valid_from stamped with at.
func (t *Table) Row(rec records.Record, at time.Time) records.Record {
	if t.names == nil {
		t.names = map[string]string{}
	}
	row := make(records.Record, len(rec)+2)
	for k, v := range rec {
		n, ok := t.names[k]
		if !ok {
			n = schema.NormalizeIdentifier(k)
			t.names[k] = n
		}
		row[n] = v
	}
	if c := t.SCD2; c != nil {
		from := schema.NormalizeIdentifier(c.ValidFromColumn)
		to := schema.NormalizeIdentifier(c.ValidToColumn)
		delete(row, to)
		if c.UseBoundaryTimestamp {
			delete(row, from)
		} else if row[from] == nil {
			row[from] = at.UTC()
		}
		row[schema.ColumnRowHash] = RowHash(row, from, to)
	}
	row[schema.ColumnLoadID] = t.LoadID
	return row
}

// RowHash is the SCD2 identity of row: xxh3 over its sorted non-system
// columns, skipping the named validity columns.
func RowHash(row records.Record, skip ...string) string {
	h := xxh3.New()
	for _, k := range row.Keys() {
		if schema.IsSystemColumn(k) || contains(skip, k) {
			continue
		}
		_, _ = h.WriteString(k)
		_, _ = h.Write([]byte{0x1f})
		if v := row[k]; v == nil {
			_, _ = h.Write([]byte{0x00})
		} else {
			_, _ = h.WriteString(rules.Stringify(v))
		}
		_, _ = h.Write([]byte{0x1e})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
