package plan

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/smalldata-ai/ferry-sub000/internal/cursor"
	"github.com/smalldata-ai/ferry-sub000/internal/schema"
)

// Apply collapses rows sharing the same key to one winner. Rows are aligned
// to cols.
//
// Winner selection: order candidates by SortColumn (descending when Desc,
// nulls last), break ties by key ascending and then by input position, and
// keep the first. Without a sort column the first row in input order wins.
// Rows missing a key value pass through untouched. The output keeps the
// input order of the surviving rows.
func (d Dedup) Apply(cols []string, rows [][]any) ([][]any, error) {
	if len(rows) == 0 || len(d.Keys) == 0 {
		return rows, nil
	}
	idx := make(map[string]int, len(cols))
	for i, c := range cols {
		idx[c] = i
	}
	keyIdx := make([]int, len(d.Keys))
	for i, k := range d.Keys {
		j, ok := idx[k]
		if !ok {
			return nil, fmt.Errorf("dedup key %q is not a staged column", k)
		}
		keyIdx[i] = j
	}
	sortIdx := -1
	if d.SortColumn != "" {
		j, ok := idx[d.SortColumn]
		if !ok {
			return nil, fmt.Errorf("dedup sort column %q is not a staged column", d.SortColumn)
		}
		sortIdx = j
	}

	keyOf := func(r []any) (string, bool) {
		var b strings.Builder
		for i, j := range keyIdx {
			v := r[j]
			if v == nil {
				return "", false
			}
			if i > 0 {
				b.WriteByte('\x1f')
			}
			b.WriteString(keyString(v))
		}
		return b.String(), true
	}

	// better reports whether candidate a beats b for the same key.
	better := func(a, b int) (bool, error) {
		if sortIdx >= 0 {
			va, vb := rows[a][sortIdx], rows[b][sortIdx]
			switch {
			case va == nil && vb != nil:
				return false, nil
			case va != nil && vb == nil:
				return true, nil
			case va != nil && vb != nil:
				c, err := cursor.Compare(va, vb)
				if err != nil {
					return false, fmt.Errorf("dedup sort column %q: %w", d.SortColumn, err)
				}
				if d.Desc {
					c = -c
				}
				if c != 0 {
					return c < 0, nil
				}
			}
		}
		return a < b, nil
	}

	winners := make(map[string]int, len(rows))
	keep := make([]bool, len(rows))
	for i, r := range rows {
		key, ok := keyOf(r)
		if !ok {
			keep[i] = true
			continue
		}
		prev, exists := winners[key]
		if !exists {
			winners[key] = i
			continue
		}
		win, err := better(i, prev)
		if err != nil {
			return nil, err
		}
		if win {
			winners[key] = i
		}
	}
	for _, i := range winners {
		keep[i] = true
	}
	out := make([][]any, 0, len(winners))
	for i, r := range rows {
		if keep[i] {
			out = append(out, r)
		}
	}
	return out, nil
}

// keyString renders key values so equal values of different Go types
// (int64 vs json.Number) produce the same key.
func keyString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case schema.Date:
		return t.String()
	case json.Number:
		return t.String()
	default:
		return schema.Text(v)
	}
}
