package plan

import (
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	"github.com/smalldata-ai/ferry-sub000/internal/loadpkg"
)

// Prepare yields the rows a StageWrite op writes, aligned to
// op.StagingColumns(): deduplicated, hard-delete flagged and with SCD2
// validity columns filled. Without dedup the rows stream; with dedup they
// are collected first.
func Prepare(op Op, r loadpkg.Reader) iter.Seq2[[]any, error] {
	src := r.Table()
	srcIdx := make(map[string]int, len(src.Columns))
	for i, c := range src.Columns {
		srcIdx[c.Name] = i
	}
	out := op.StagingColumns()
	names := make([]string, len(out))
	for i, c := range out {
		names[i] = c.Name
	}

	st := op.Stage
	if st == nil {
		st = &Stage{}
	}
	pos := func(name string) int {
		for i, n := range names {
			if n == name {
				return i
			}
		}
		return -1
	}
	fromIdx, toIdx, hdIdx, delIdx := -1, -1, -1, -1
	if st.ValidFrom != "" {
		fromIdx, toIdx = pos(st.ValidFrom), pos(st.ValidTo)
	}
	if st.HardDelete != "" {
		hdIdx, delIdx = pos(st.HardDelete), pos(DeletedColumn)
	}

	shape := func(in []any) []any {
		row := make([]any, len(out))
		for i, c := range out {
			if j, ok := srcIdx[c.Name]; ok && j < len(in) {
				row[i] = in[j]
			}
		}
		if fromIdx >= 0 && (!st.KeepSource || row[fromIdx] == nil) {
			row[fromIdx] = st.BoundaryTS
		}
		if toIdx >= 0 {
			row[toIdx] = st.ActiveUntil
		}
		if delIdx >= 0 {
			row[delIdx] = hdIdx >= 0 && IsTruthy(row[hdIdx])
		}
		return row
	}

	if st.Dedup == nil {
		return func(yield func([]any, error) bool) {
			for in, err := range r.Rows() {
				if err != nil {
					yield(nil, err)
					return
				}
				if !yield(shape(in), nil) {
					return
				}
			}
		}
	}

	return func(yield func([]any, error) bool) {
		var rows [][]any
		for in, err := range r.Rows() {
			if err != nil {
				yield(nil, err)
				return
			}
			rows = append(rows, shape(in))
		}
		kept, err := st.Dedup.Apply(names, rows)
		if err != nil {
			yield(nil, fmt.Errorf("stage %s: %w", op.Table, err))
			return
		}
		for _, row := range kept {
			if !yield(row, nil) {
				return
			}
		}
	}
}

// IsTruthy decides whether a hard-delete column value marks a delete: bool
// true, non-zero numbers and the strings true, 1, yes, y and t in any case.
func IsTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case int64:
		return t != 0
	case int:
		return t != 0
	case int32:
		return t != 0
	case float64:
		return t != 0
	case float32:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "y", "t":
			return true
		}
	}
	return false
}
