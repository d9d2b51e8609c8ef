// Package records defines the row representation that flows between the
// EXTRACT, NORMALIZE and LOAD phases.
package records

import "sort"

// Record is one extracted row: column name to value. Values are Go-native
// (nil, bool, int64, float64, string, time.Time, []byte, map[string]any,
// []any) once a source adapter has converted driver types.
type Record map[string]any

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Keys returns the column names of r in ascending order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
