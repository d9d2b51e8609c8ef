package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smalldata-ai/ferry-sub000/internal/destination"
	"github.com/smalldata-ai/ferry-sub000/internal/directive"
	"github.com/smalldata-ai/ferry-sub000/internal/ferryerr"
	"github.com/smalldata-ai/ferry-sub000/internal/loadpkg"
	"github.com/smalldata-ai/ferry-sub000/internal/objstore"
	"github.com/smalldata-ai/ferry-sub000/internal/parser/parquet"
	"github.com/smalldata-ai/ferry-sub000/internal/plan"
	"github.com/smalldata-ai/ferry-sub000/internal/schema"
)

var events = schema.Table{Name: "events", Columns: []schema.Column{
	{Name: "id", DataType: schema.TypeBigInt, Nullable: true},
	{Name: "name", DataType: schema.TypeText, Nullable: true},
	{Name: "at", DataType: schema.TypeTimestamp, Nullable: true},
}}

func rows(n int) [][]any {
	out := make([][]any, n)
	for i := range out {
		out[i] = []any{int64(i + 1), "e", time.Date(2024, 5, 1, 0, 0, i, 0, time.UTC)}
	}
	return out
}

func apply(tb testing.TB, s *Session, disp directive.Disposition, loadID string, data [][]any) plan.Result {
	tb.Helper()
	p, err := plan.Build(plan.Input{
		Resource: directive.Resource{Disposition: disp},
		Dataset:  "raw",
		Table:    events,
		Caps:     s.Capabilities(),
		LoadID:   loadID,
	})
	if err != nil {
		tb.Fatal(err)
	}
	res, err := s.ApplyPlan(context.Background(), p, &loadpkg.SliceReader{Schema: events, Data: data})
	if err != nil {
		tb.Fatal(err)
	}
	return res
}

func files(tb testing.TB, root string) []string {
	tb.Helper()
	entries, err := os.ReadDir(filepath.Join(root, "raw", "events"))
	if err != nil {
		tb.Fatal(err)
	}
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

func TestReplaceThenAppend(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := NewSession(objstore.NewLocal(dir), "file", destination.Options{BatchSize: 2})

	res := apply(t, s, directive.Replace{}, "load1", rows(3))
	if res.Inserted != 3 || res.Staged != 3 {
		t.Fatalf("result = %+v", res)
	}
	if got := files(t, dir); len(got) != 2 || got[0] != "load1.0.parquet" || got[1] != "load1.1.parquet" {
		t.Fatalf("files = %v", got)
	}

	apply(t, s, directive.Replace{}, "load2", rows(1))
	if got := files(t, dir); len(got) != 1 || got[0] != "load2.0.parquet" {
		t.Fatalf("files after replace = %v", got)
	}

	apply(t, s, directive.Append{}, "load3", rows(2))
	if got := files(t, dir); len(got) != 2 {
		t.Fatalf("files after append = %v", got)
	}
}

func TestWrittenFilesReadBack(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := NewSession(objstore.NewLocal(dir), "file", destination.Options{})
	apply(t, s, directive.Append{}, "l", rows(4))

	f, err := os.Open(filepath.Join(dir, "raw", "events", "l.0.parquet"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	n := 0
	for rec, err := range parquet.Stream(context.Background(), f) {
		if err != nil {
			t.Fatal(err)
		}
		if rec["name"] != "e" {
			t.Fatalf("record = %v", rec)
		}
		n++
	}
	if n != 4 {
		t.Fatalf("rows = %d, want 4", n)
	}
}

func TestMergeRejected(t *testing.T) {
	t.Parallel()

	s := NewSession(objstore.NewLocal(t.TempDir()), "file", destination.Options{})
	_, err := plan.Build(plan.Input{
		Resource: directive.Resource{Disposition: directive.Merge{Strategy: directive.Upsert, Upsert: &directive.UpsertConfig{PrimaryKey: []string{"id"}}}},
		Table:    events,
		Caps:     s.Capabilities(),
	})
	if !ferryerr.Is(err, ferryerr.KindValidation) {
		t.Fatalf("want validation error, got %v", err)
	}
}

func TestParquetSchema(t *testing.T) {
	t.Parallel()

	def, err := ParquetSchema([]schema.Column{
		{Name: "d", DataType: schema.TypeDate},
		{Name: "j", DataType: schema.TypeJSON},
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"name=d, type=INT32, convertedtype=DATE", "name=j, type=BYTE_ARRAY, convertedtype=UTF8", "parquet_go_root"} {
		if !strings.Contains(def, want) {
			t.Fatalf("schema %s lacks %q", def, want)
		}
	}
}
