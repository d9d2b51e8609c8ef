package sqlsrc

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/smalldata-ai/ferry-sub000/internal/cursor"
	"github.com/smalldata-ai/ferry-sub000/internal/dialect"
	"github.com/smalldata-ai/ferry-sub000/internal/directive"
	"github.com/smalldata-ai/ferry-sub000/internal/ferryerr"
	"github.com/smalldata-ai/ferry-sub000/internal/source"
	"github.com/smalldata-ai/ferry-sub000/internal/storage"
	"github.com/smalldata-ai/ferry-sub000/internal/uri"
	"github.com/smalldata-ai/ferry-sub000/pkg/records"
)

func newSource(tb testing.TB) source.Session {
	tb.Helper()
	ctx := context.Background()
	d, err := uri.Parse("sqlite://" + filepath.Join(tb.TempDir(), "src.db"))
	if err != nil {
		tb.Fatal(err)
	}
	db, err := storage.Open(ctx, d)
	if err != nil {
		tb.Fatal(err)
	}
	for _, q := range []string{
		`CREATE TABLE orders (id INTEGER, customer TEXT, amount REAL, updated_at TEXT)`,
		`INSERT INTO orders VALUES (3, 'cy', 7.5, '2024-01-03T00:00:00Z')`,
		`INSERT INTO orders VALUES (1, 'ann', 1.25, '2024-01-01T00:00:00Z')`,
		`INSERT INTO orders VALUES (2, NULL, 3, '2024-01-02T00:00:00Z')`,
	} {
		if _, err := db.ExecContext(ctx, q); err != nil {
			tb.Fatalf("%s: %v", q, err)
		}
	}
	_ = db.Close()

	s, err := Adapter{}.Open(ctx, d)
	if err != nil {
		tb.Fatalf("Open: %v", err)
	}
	tb.Cleanup(func() { _ = s.Close() })
	return s
}

func extract(tb testing.TB, s source.Session, res directive.Resource, f *cursor.Filter) ([]records.Record, error) {
	tb.Helper()
	var out []records.Record
	for rec, err := range s.Extract(context.Background(), res, f) {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func TestExtractAll(t *testing.T) {
	t.Parallel()

	got, err := extract(t, newSource(t), directive.Resource{SourceTable: "orders"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("rows = %d, want 3", len(got))
	}
	for _, r := range got {
		if _, ok := r["id"].(int64); !ok {
			t.Fatalf("id = %#v, want int64", r["id"])
		}
		if r["id"] == int64(2) && r["customer"] != nil {
			t.Fatalf("NULL customer = %#v", r["customer"])
		}
	}
}

func TestExtractPushesNumericCursor(t *testing.T) {
	t.Parallel()

	f := cursor.NewFilter(&directive.Incremental{Column: "id", Start: json.Number("1")}, cursor.Checkpoint{})
	got, err := extract(t, newSource(t), directive.Resource{SourceTable: "orders"}, f)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0]["id"] != int64(2) || got[1]["id"] != int64(3) {
		t.Fatalf("got %v, want ids 2,3 in order", got)
	}
}

func TestExtractMissingTable(t *testing.T) {
	t.Parallel()

	_, err := extract(t, newSource(t), directive.Resource{SourceTable: "nope"}, nil)
	if !ferryerr.Is(err, ferryerr.KindExtract) {
		t.Fatalf("want extract error, got %v", err)
	}
}

func TestQuery(t *testing.T) {
	t.Parallel()

	ts := &cursor.Filter{Column: "updated_at", Start: "2024-01-01T00:00:00Z", End: int64(9), EndClosed: true}
	tests := []struct {
		name  string
		d     *dialect.Dialect
		table string
		f     *cursor.Filter
		want  string
		args  int
	}{
		{"no filter", dialect.Postgres, "public.orders", nil, `SELECT * FROM "public"."orders"`, 0},
		{"timestamp pushed", dialect.Postgres, "orders", ts, `SELECT * FROM "orders" WHERE "updated_at" > $1 AND "updated_at" <= $2 ORDER BY "updated_at"`, 2},
		{"text timestamps stay local", dialect.SQLite, "orders", ts, `SELECT * FROM "orders" WHERE "updated_at" <= ? ORDER BY "updated_at"`, 1},
		{"strings stay local", dialect.MySQL, "orders", &cursor.Filter{Column: "code", Start: "abc", StartClosed: true}, "SELECT * FROM `orders` ORDER BY `code`", 0},
		{"mssql placeholders", dialect.MSSQL, "orders", &cursor.Filter{Column: "id", Start: int64(1), End: int64(5)}, `SELECT * FROM [orders] WHERE [id] > @p1 AND [id] < @p2 ORDER BY [id]`, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q, args := Query(tt.d, tt.table, tt.f)
			if q != tt.want || len(args) != tt.args {
				t.Fatalf("Query = %q %v\nwant %q with %d args", q, args, tt.want, tt.args)
			}
		})
	}

	_, args := Query(dialect.Postgres, "orders", ts)
	if _, ok := args[0].(time.Time); !ok {
		t.Fatalf("timestamp bound as %T, want time.Time", args[0])
	}
}

func TestNative(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     any
		dbType string
		want   any
	}{
		{[]byte("12.50"), "NUMERIC", 12.5},
		{"42", "DECIMAL", int64(42)},
		{[]byte("hello"), "TEXT", "hello"},
		{int32(7), "INT", int64(7)},
		{float32(0.5), "REAL", 0.5},
		{nil, "TEXT", nil},
	}
	for _, tt := range tests {
		if got := Native(tt.in, tt.dbType); got != tt.want {
			t.Errorf("Native(%#v, %s) = %#v, want %#v", tt.in, tt.dbType, got, tt.want)
		}
	}
	if b, ok := Native([]byte{1, 2}, "BLOB").([]byte); !ok || len(b) != 2 {
		t.Fatalf("BLOB = %#v", b)
	}
}
