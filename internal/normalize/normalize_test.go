package normalize

import (
	"context"
	"testing"
	"time"

	"github.com/smalldata-ai/ferry-sub000/internal/cursor"
	"github.com/smalldata-ai/ferry-sub000/internal/directive"
	"github.com/smalldata-ai/ferry-sub000/internal/loadpkg"
	"github.com/smalldata-ai/ferry-sub000/internal/schema"
	"github.com/smalldata-ai/ferry-sub000/pkg/records"
)

func feed(recs ...records.Record) <-chan records.Record {
	ch := make(chan records.Record, len(recs))
	for _, r := range recs {
		ch <- r
	}
	close(ch)
	return ch
}

func manifest(tb testing.TB) *loadpkg.Manifest {
	tb.Helper()
	m, err := loadpkg.NewRoot(tb.TempDir(), "p").Create("p", "l1", "", time.Now())
	if err != nil {
		tb.Fatal(err)
	}
	return m
}

func TestRunWritesPartitionsAndSchema(t *testing.T) {
	t.Parallel()

	m := manifest(t)
	nt := &Table{
		Name:        "orders",
		LoadID:      "l1",
		RowsPerFile: 2,
		Tracker:     cursor.NewTracker("UpdatedAt", cursor.Checkpoint{}),
	}
	res, err := nt.Run(context.Background(), m, feed(
		records.Record{"OrderID": int64(1), "UpdatedAt": int64(10)},
		records.Record{"OrderID": int64(2), "UpdatedAt": int64(30), "Note": "x"},
		records.Record{"OrderID": int64(3), "UpdatedAt": int64(20)},
	))
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows != 3 || len(res.Files) != 2 {
		t.Fatalf("rows = %d files = %v", res.Rows, res.Files)
	}
	want := []string{"order_id", "updated_at", "_ferry_load_id", "note"}
	got := res.Schema.ColumnNames()
	if len(got) != len(want) {
		t.Fatalf("columns = %v, want %v", got, want)
	}
	for _, c := range want {
		if _, ok := res.Schema.Column(c); !ok {
			t.Fatalf("missing column %s in %v", c, got)
		}
	}
	if c, _ := res.Schema.Column("order_id"); c.DataType != schema.TypeBigInt {
		t.Fatalf("order_id type = %s", c.DataType)
	}
	if c, err := cursor.Compare(res.Checkpoint.LastValue, int64(30)); err != nil || c != 0 {
		t.Fatalf("checkpoint = %+v", res.Checkpoint)
	}

	rows, err := loadpkg.Collect(m.Open(&loadpkg.TableEntry{Files: res.Files}, res.Schema))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("read back %d rows", len(rows))
	}
}

func TestRowSCD2(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	nt := &Table{LoadID: "l", SCD2: &directive.SCD2Config{ValidFromColumn: "valid_from", ValidToColumn: "valid_to"}}

	a := nt.Row(records.Record{"id": int64(1), "v": "a", "valid_to": "x"}, at)
	b := nt.Row(records.Record{"id": int64(1), "v": "a"}, at.Add(time.Hour))
	c := nt.Row(records.Record{"id": int64(1), "v": "b"}, at)

	if a[schema.ColumnRowHash] != b[schema.ColumnRowHash] {
		t.Fatal("hash depends on valid_from or valid_to")
	}
	if a[schema.ColumnRowHash] == c[schema.ColumnRowHash] {
		t.Fatal("hash ignores content")
	}
	if a["valid_from"] != at {
		t.Fatalf("valid_from = %v", a["valid_from"])
	}
	if _, ok := a["valid_to"]; ok {
		t.Fatal("valid_to kept")
	}

	nt.SCD2.UseBoundaryTimestamp = true
	if d := nt.Row(records.Record{"id": int64(1)}, at); d["valid_from"] != nil {
		t.Fatalf("boundary mode stamped valid_from = %v", d["valid_from"])
	}
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&Table{Name: "t"}).Run(ctx, manifest(t), make(chan records.Record))
	if err == nil {
		t.Fatal("want context error")
	}
}
