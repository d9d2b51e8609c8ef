package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/smalldata-ai/ferry-sub000/internal/schema"
	"github.com/smalldata-ai/ferry-sub000/internal/uri"
)

func mustParse(tb testing.TB, raw string) uri.Descriptor {
	tb.Helper()
	d, err := uri.Parse(raw)
	if err != nil {
		tb.Fatalf("parse %q: %v", raw, err)
	}
	return d
}

func TestDSN(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw        string
		driver     string
		wantPrefix string
		contains   string
	}{
		{"postgres://u:p@db:5432/app", "pgx", "postgres://u:p@db:5432/app?", "sslmode=prefer"},
		{"postgresql://u:p@db:5432/app?sslmode=disable", "pgx", "postgres://u:p@db:5432/app?", "sslmode=disable"},
		{"redshift://u:p@rs:5439/dev", "postgres", "postgres://u:p@rs:5439/dev?", "sslmode=require"},
		{"mysql://u:p@db:3306/app", "mysql", "u:p@tcp(db:3306)/app?", "parseTime=true"},
		{"mssql://sa:pw@sql:1433/app", "sqlserver", "sqlserver://sa:pw@sql:1433?", "database=app"},
		{"clickhouse://u:p@ch:9000/events", "clickhouse", "clickhouse://u:p@ch:9000/events?mutations_sync=2", ""},
		{"hana://u:p@hana:39017/HXE", "hdb", "hdb://u:p@hana:39017?", "databaseName=HXE"},
		{"sqlite:///tmp/ferry.db", "sqlite", "file:/tmp/ferry.db?", "busy_timeout"},
		{"duckdb:///tmp/ferry.duckdb", "duckdb", "/tmp/ferry.duckdb", ""},
		{"md:analytics?token=abc", "duckdb", "md:analytics?", "motherduck_token=abc"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			driver, dsn, err := DSN(mustParse(t, tt.raw))
			if err != nil {
				t.Fatalf("DSN: %v", err)
			}
			if driver != tt.driver {
				t.Errorf("driver = %q, want %q", driver, tt.driver)
			}
			if !strings.HasPrefix(dsn, tt.wantPrefix) || !strings.Contains(dsn, tt.contains) {
				t.Errorf("dsn = %q, want prefix %q containing %q", dsn, tt.wantPrefix, tt.contains)
			}
		})
	}

	if _, _, err := DSN(mustParse(t, "kafka://broker:9092?group_id=g")); err == nil {
		t.Fatal("expected error for a non-SQL scheme")
	}
}

func TestOpenAndInsertSQLite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "dest.db")
	db, err := Open(ctx, mustParse(t, "sqlite://"+path))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, `CREATE TABLE "people" ("id" INTEGER, "name" TEXT)`); err != nil {
		t.Fatal(err)
	}

	cols := []string{"id", "name"}
	types := []schema.DataType{schema.TypeBigInt, schema.TypeText}
	rows := [][]any{{int64(1), "ann"}, {int64(2), nil}, {int64(3), "cy"}, {int64(4), "di"}, {int64(5), "ed"}}

	n, err := LoadBatches(ctx, nil, Batch{Table: "people", Size: 2}, cols, seq(rows...), InsertFn(db, db.Dialect, "", "people", types))
	if err != nil {
		t.Fatalf("LoadBatches: %v", err)
	}
	if n != 5 {
		t.Fatalf("inserted %d, want 5", n)
	}

	var count, nulls int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*), SUM(CASE WHEN name IS NULL THEN 1 ELSE 0 END) FROM people`).Scan(&count, &nulls); err != nil {
		t.Fatal(err)
	}
	if count != 5 || nulls != 1 {
		t.Fatalf("count=%d nulls=%d, want 5 and 1", count, nulls)
	}
}

func TestInsertFnRowWidthMismatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := Open(ctx, mustParse(t, "sqlite://"+filepath.Join(t.TempDir(), "w.db")))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	fn := InsertFn(db, db.Dialect, "", "t", nil)
	if _, err := fn(ctx, []string{"a", "b"}, [][]any{{1}}); err == nil {
		t.Fatal("expected width mismatch error")
	}
}
