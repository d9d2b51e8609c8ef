package filesrc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smalldata-ai/ferry-sub000/internal/directive"
	"github.com/smalldata-ai/ferry-sub000/internal/ferryerr"
	"github.com/smalldata-ai/ferry-sub000/internal/objstore"
	"github.com/smalldata-ai/ferry-sub000/internal/uri"
	"github.com/smalldata-ai/ferry-sub000/pkg/records"
)

func writeFile(tb testing.TB, dir, name, body string, mtime time.Time) {
	tb.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		tb.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		tb.Fatal(err)
	}
	if err := os.Chtimes(p, mtime, mtime); err != nil {
		tb.Fatal(err)
	}
}

func collect(s *Session, table string) ([]records.Record, error) {
	var out []records.Record
	for rec, err := range s.Extract(context.Background(), directive.Resource{SourceTable: table}, nil) {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

var (
	t1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
)

func TestExtractMatchesPrefixInDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "orders_1.csv", "id,name\n1,ann\n2,bo\n", t1)
	writeFile(t, dir, "orders_2.jsonl", `{"id": 3, "name": "cy"}`+"\n", t2)
	writeFile(t, dir, "customers.csv", "id\n9\n", t1)
	writeFile(t, dir, "orders_archive/old.csv", "id\n8\n", t1)

	s := NewSession(objstore.NewLocal(dir), uri.FamilyLocalFile)
	got, err := collect(s, "orders")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("records = %d (%v), want 3", len(got), got)
	}
	if got[2]["name"] != "cy" {
		t.Fatalf("last record = %v, want cy from the jsonl file", got[2])
	}
	if wm := s.Watermark("orders"); wm == nil || !wm.Equal(t2) {
		t.Fatalf("watermark = %v, want %v", wm, t2)
	}
}

func TestExtractSkipsFilesAtOrBeforeWatermark(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "events_a.csv", "id\n1\n", t1)
	writeFile(t, dir, "events_b.csv", "id\n2\n", t2)

	s := NewSession(objstore.NewLocal(dir), uri.FamilyLocalFile)
	s.SetWatermark("events", &t1)
	got, err := collect(s, "events")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("records = %v, want only events_b", got)
	}

	s.SetWatermark("events", &t2)
	got, err = collect(s, "events")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("records = %v, want none", got)
	}
	if wm := s.Watermark("events"); !wm.Equal(t2) {
		t.Fatalf("watermark moved to %v without new files", wm)
	}
}

func TestExtractUnsupportedFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "report.xlsx", "binary", t1)

	s := NewSession(objstore.NewLocal(dir), uri.FamilyLocalFile)
	_, err := collect(s, "report")
	if !ferryerr.Is(err, ferryerr.KindExtract) {
		t.Fatalf("want extract error, got %v", err)
	}
}

func TestAdapterOpenLocal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "items.csv", "sku\nA1\n", t1)
	d, err := uri.Parse("file://" + dir)
	if err != nil {
		t.Fatal(err)
	}
	sess, err := Adapter{}.Open(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	n := 0
	for _, err := range sess.Extract(context.Background(), directive.Resource{SourceTable: "items"}, nil) {
		if err != nil {
			t.Fatal(err)
		}
		n++
	}
	if n != 1 {
		t.Fatalf("records = %d, want 1", n)
	}
}
