package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/smalldata-ai/ferry-sub000/internal/ferryerr"
	"github.com/smalldata-ai/ferry-sub000/pkg/records"
)

func TestNormalizeIdentifier(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"symbol":          "symbol",
		"Open Price":      "open_price",
		"userId":          "user_id",
		"HTTPServer":      "http_server",
		"Číslo protokolu": "cislo_protokolu",
		"a--b..c":         "a_b_c",
		"2fa":             "_2fa",
		"_ferry_load_id":  "_ferry_load_id",
		"%%%":             "col",
		"trailing_":       "trailing",
	}
	for in, want := range cases {
		if got := NormalizeIdentifier(in); got != want {
			t.Errorf("NormalizeIdentifier(%q) = %q, want %q", in, got, want)
		}
		if again := NormalizeIdentifier(want); again != want {
			t.Errorf("not idempotent: %q -> %q", want, again)
		}
	}
}

func TestWiden(t *testing.T) {
	t.Parallel()
	cases := []struct{ a, b, want DataType }{
		{"", TypeBigInt, TypeBigInt},
		{TypeBigInt, "", TypeBigInt},
		{TypeBigInt, TypeDouble, TypeDouble},
		{TypeDouble, TypeBigInt, TypeDouble},
		{TypeDate, TypeTimestamp, TypeTimestamp},
		{TypeBool, TypeBigInt, TypeBigInt},
		{TypeBigInt, TypeText, TypeText},
		{TypeJSON, TypeBool, TypeText},
	}
	for _, c := range cases {
		if got := Widen(c.a, c.b); got != c.want {
			t.Errorf("Widen(%s,%s) = %s, want %s", c.a, c.b, got, c.want)
		}
	}
}

func TestParseScalar(t *testing.T) {
	t.Parallel()
	if v := ParseScalar("42"); v != int64(42) {
		t.Errorf("int: %#v", v)
	}
	if v := ParseScalar("007"); v != "007" {
		t.Errorf("leading zero kept as text: %#v", v)
	}
	if v := ParseScalar("1.5"); v != 1.5 {
		t.Errorf("float: %#v", v)
	}
	if v := ParseScalar("TRUE"); v != true {
		t.Errorf("bool: %#v", v)
	}
	if v := ParseScalar("  "); v != nil {
		t.Errorf("blank: %#v", v)
	}
	if v, ok := ParseScalar("2021-01-02").(Date); !ok || v.String() != "2021-01-02" {
		t.Errorf("date: %#v", v)
	}
	if v, ok := ParseScalar("2021-01-02T03:04:05Z").(time.Time); !ok || v.Hour() != 3 {
		t.Errorf("timestamp: %#v", v)
	}
	if v := ParseScalar("BTC"); v != "BTC" {
		t.Errorf("text: %#v", v)
	}
}

func TestCoerce(t *testing.T) {
	t.Parallel()
	mustCoerce := func(v any, dt DataType) any {
		t.Helper()
		out, err := Coerce(v, dt)
		if err != nil {
			t.Fatalf("Coerce(%#v, %s): %v", v, dt, err)
		}
		return out
	}
	if got := mustCoerce(json.Number("12"), TypeBigInt); got != int64(12) {
		t.Errorf("bigint: %#v", got)
	}
	if got := mustCoerce(json.Number("12"), TypeDouble); got != 12.0 {
		t.Errorf("double: %#v", got)
	}
	if got := mustCoerce("2021-01-02", TypeDate); got.(Date).String() != "2021-01-02" {
		t.Errorf("date: %#v", got)
	}
	ts := mustCoerce("2021-01-02T03:04:05+02:00", TypeTimestamp).(time.Time)
	if ts.Location() != time.UTC || ts.Hour() != 1 {
		t.Errorf("timestamp not UTC: %v", ts)
	}
	if got := mustCoerce(map[string]any{"a": 1}, TypeJSON); got != `{"a":1}` {
		t.Errorf("json: %#v", got)
	}
	if got := mustCoerce(json.Number("5"), TypeText); got != "5" {
		t.Errorf("text: %#v", got)
	}
	if got := mustCoerce("yes", TypeText); got != "yes" {
		t.Errorf("text passthrough: %#v", got)
	}
	if got, _ := Coerce(nil, TypeBigInt); got != nil {
		t.Errorf("nil: %#v", got)
	}
	if _, err := Coerce(2.5, TypeBigInt); err == nil {
		t.Error("expected lossy conversion error")
	}
	if _, err := Coerce("abc", TypeBigInt); err == nil {
		t.Error("expected parse error")
	}
}

func TestTableObserveAndEvolve(t *testing.T) {
	t.Parallel()
	tbl := Table{Name: "prices"}
	tbl.Observe(records.Record{"symbol": "BTC", "high": int64(1), "note": nil})
	tbl.Observe(records.Record{"symbol": "ETH", "high": 2.5, "extra": true})
	tbl.Finalize()

	want := map[string]DataType{"high": TypeDouble, "note": TypeText, "symbol": TypeText, "extra": TypeBool}
	if len(tbl.Columns) != len(want) {
		t.Fatalf("columns = %v", tbl.ColumnNames())
	}
	for name, dt := range want {
		c, ok := tbl.Column(name)
		if !ok || c.DataType != dt {
			t.Errorf("column %s = %+v, want %s", name, c, dt)
		}
	}
	// First record's sorted keys come first, then later additions.
	names := tbl.ColumnNames()
	if names[0] != "high" || names[3] != "extra" {
		t.Errorf("column order = %v", names)
	}

	known := Table{Name: "prices", Columns: []Column{{Name: "symbol", DataType: TypeText}, {Name: "high", DataType: TypeBigInt}}}
	merged, added := Evolve(&known, tbl)
	if len(added) != 2 {
		t.Fatalf("added = %+v", added)
	}
	if c, _ := merged.Column("high"); c.DataType != TypeBigInt {
		t.Errorf("known column type must not change: %+v", c)
	}
	if merged.Columns[0].Name != "symbol" || len(merged.Columns) != 4 {
		t.Errorf("merged = %v", merged.ColumnNames())
	}
}

func TestSchemaSaveLoadVersioning(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	if _, err := ReadRaw(dir, "pipe"); !ferryerr.Is(err, ferryerr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	s, err := Load(dir, "pipe")
	if err != nil {
		t.Fatal(err)
	}
	s.Put(Table{Name: "b", Columns: []Column{{Name: "x", DataType: TypeBigInt}}})
	s.Put(Table{Name: "a", Columns: []Column{{Name: "y", DataType: TypeText}}})
	if err := Save(dir, s); err != nil {
		t.Fatal(err)
	}
	if s.Version != 1 || s.VersionHash == "" {
		t.Fatalf("version = %d hash = %q", s.Version, s.VersionHash)
	}
	first := s.VersionHash

	loaded, err := Load(dir, "pipe")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Tables[0].Name != "a" || loaded.VersionHash != first {
		t.Fatalf("loaded = %+v", loaded)
	}

	// Unchanged content keeps the version.
	if err := Save(dir, loaded); err != nil {
		t.Fatal(err)
	}
	if loaded.Version != 1 {
		t.Fatalf("version bumped without change: %d", loaded.Version)
	}

	loaded.Put(Table{Name: "a", Columns: []Column{{Name: "y", DataType: TypeText}, {Name: "z", DataType: TypeBool}}})
	if err := Save(dir, loaded); err != nil {
		t.Fatal(err)
	}
	if loaded.Version != 2 || loaded.VersionHash == first {
		t.Fatalf("expected new version, got %d %q", loaded.Version, loaded.VersionHash)
	}
}
