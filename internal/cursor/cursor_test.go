package cursor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/smalldata-ai/ferry-sub000/internal/directive"
	"github.com/smalldata-ai/ferry-sub000/pkg/records"
)

func rec(v any) records.Record { return records.Record{"c": v, "id": v} }

func TestFilterBoundaryModes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode directive.BoundaryMode
		want map[int64]bool // cursor value -> included
	}{
		{directive.BoundaryDefault, map[int64]bool{10: false, 11: true, 19: true, 20: false}},
		{directive.BoundaryStart, map[int64]bool{10: true, 20: false}},
		{directive.BoundaryEnd, map[int64]bool{10: false, 20: true}},
		{directive.BoundaryStartEnd, map[int64]bool{10: true, 20: true, 21: false}},
		{directive.BoundaryBetween, map[int64]bool{9: false, 10: true, 20: true}},
	}
	for _, tt := range tests {
		f := NewFilter(&directive.Incremental{
			Column: "c", Start: json.Number("10"), End: json.Number("20"), Mode: tt.mode,
		}, Checkpoint{})
		for v, want := range tt.want {
			got, err := f.Match(rec(v))
			if err != nil {
				t.Fatalf("mode=%q v=%d: %v", tt.mode, v, err)
			}
			if got != want {
				t.Errorf("mode=%q v=%d: got %v want %v", tt.mode, v, got, want)
			}
		}
	}
}

func TestFilterCheckpointOverridesStart(t *testing.T) {
	t.Parallel()

	f := NewFilter(&directive.Incremental{Column: "c", Start: "2021-01-01"}, Checkpoint{LastValue: "2021-01-03T00:00:00Z"})
	day := func(d int) time.Time { return time.Date(2021, 1, d, 0, 0, 0, 0, time.UTC) }

	for d, want := range map[int]bool{2: false, 3: false, 4: true} {
		got, err := f.Match(rec(day(d)))
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("day %d: got %v want %v", d, got, want)
		}
	}
	// date strings compare against timestamps
	if ok, _ := f.Match(rec("2021-01-05")); !ok {
		t.Error("date string after checkpoint should match")
	}
}

func TestFilterLag(t *testing.T) {
	t.Parallel()

	num := NewFilter(&directive.Incremental{Column: "c", Lag: 5}, Checkpoint{LastValue: json.Number("100")})
	if num.Start != int64(95) {
		t.Fatalf("numeric lag start=%v", num.Start)
	}
	ts := NewFilter(&directive.Incremental{Column: "c", Lag: 3600}, Checkpoint{LastValue: "2021-01-02T00:00:00Z"})
	want := time.Date(2021, 1, 1, 23, 0, 0, 0, time.UTC)
	if got, ok := ts.Start.(time.Time); !ok || !got.Equal(want) {
		t.Fatalf("timestamp lag start=%v want %v", ts.Start, want)
	}
}

func TestFilterNullAndMissing(t *testing.T) {
	t.Parallel()

	f := NewFilter(&directive.Incremental{Column: "c"}, Checkpoint{})
	if ok, _ := f.Match(records.Record{"x": 1}); ok {
		t.Error("missing cursor column matched")
	}
	if ok, _ := f.Match(records.Record{"c": nil}); ok {
		t.Error("null cursor matched")
	}
	if ok, _ := f.Match(rec(int64(1))); !ok {
		t.Error("unbounded filter rejected a value")
	}
	var none *Filter
	if ok, _ := none.Match(records.Record{}); !ok {
		t.Error("nil filter must match everything")
	}
}

func TestTrackerAndBoundarySkip(t *testing.T) {
	t.Parallel()

	tr := NewTracker("c", Checkpoint{})
	rows := []records.Record{
		{"c": int64(1), "v": "a"},
		{"c": int64(3), "v": "b"},
		{"c": int64(3), "v": "c"},
		{"c": int64(2), "v": "d"},
	}
	for _, r := range rows {
		if err := tr.Observe(r); err != nil {
			t.Fatal(err)
		}
	}
	cp := tr.Checkpoint()
	if cp.LastValue != json.Number("3") || len(cp.BoundaryHashes) != 2 {
		t.Fatalf("checkpoint=%+v", cp)
	}

	// A closed-start rerun sees the boundary rows again and skips them.
	f := NewFilter(&directive.Incremental{Column: "c", Mode: directive.BoundaryStart}, cp)
	for _, r := range rows {
		ok, err := f.Match(r)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Errorf("row %v should be filtered on rerun", r)
		}
	}
	fresh := records.Record{"c": int64(3), "v": "new"}
	if ok, _ := f.Match(fresh); !ok {
		t.Error("new row at the boundary value must pass")
	}
}

func TestTrackerMergesBoundaryAtSameValue(t *testing.T) {
	t.Parallel()

	first := records.Record{"c": int64(3), "v": "a"}
	prev := Checkpoint{LastValue: json.Number("3"), BoundaryHashes: []string{RowHash(first)}}
	late := records.Record{"c": int64(3), "v": "late"}

	tr := NewTracker("c", prev)
	if err := tr.Observe(late); err != nil {
		t.Fatal(err)
	}
	cp := tr.Checkpoint()
	if len(cp.BoundaryHashes) != 2 {
		t.Fatalf("boundary hashes = %v, want both rows", cp.BoundaryHashes)
	}
	f := NewFilter(&directive.Incremental{Column: "c", Mode: directive.BoundaryStart}, cp)
	for _, r := range []records.Record{first, late} {
		if ok, _ := f.Match(r); ok {
			t.Errorf("row %v reloaded", r)
		}
	}
}

func TestTrackerKeepsPreviousWhenEmpty(t *testing.T) {
	t.Parallel()

	prev := Checkpoint{LastValue: json.Number("9")}
	if got := NewTracker("c", prev).Checkpoint(); got.LastValue != prev.LastValue {
		t.Fatalf("checkpoint=%+v", got)
	}
	tr := NewTracker("c", prev)
	_ = tr.Observe(records.Record{"c": int64(4)})
	if got := tr.Checkpoint(); got.LastValue != prev.LastValue {
		t.Fatalf("checkpoint regressed to %v", got.LastValue)
	}
}

func TestCompare(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b any
		want int
	}{
		{int64(2), 2.5, -1},
		{json.Number("10"), int64(9), 1},
		{"2021-01-02", time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC), 0},
		{"abc", "abd", -1},
		{nil, int64(1), -1},
	}
	for _, tt := range tests {
		got, err := Compare(tt.a, tt.b)
		if err != nil || got != tt.want {
			t.Errorf("Compare(%v,%v)=%d,%v want %d", tt.a, tt.b, got, err, tt.want)
		}
	}
	if _, err := Compare(true, time.Now()); err == nil {
		t.Error("bool vs time should not compare")
	}
}
