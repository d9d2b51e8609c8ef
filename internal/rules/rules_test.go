package rules

import (
	"testing"
	"time"

	"github.com/smalldata-ai/ferry-sub000/internal/directive"
	"github.com/smalldata-ai/ferry-sub000/pkg/records"
)

func TestApply(t *testing.T) {
	t.Parallel()

	a := New(directive.ColumnRules{
		Exclude:      []string{"ssn"},
		Pseudonymize: []string{"email", "missing", "age"},
	}, "")

	rec := records.Record{"id": int64(1), "ssn": "123", "email": "a@b.c", "age": int64(40), "note": nil}
	out := a.Apply(rec)

	if _, ok := out["ssn"]; ok {
		t.Fatal("excluded column survived")
	}
	if _, ok := out["missing"]; ok {
		t.Fatal("pseudonymize must not add absent columns")
	}
	if out["email"] == "a@b.c" {
		t.Fatal("pseudonymized value equals input")
	}
	if out["email"] != Pseudonymize("", "a@b.c") {
		t.Fatal("pseudonymization is not deterministic")
	}
	if out["age"] != Pseudonymize("", "40") {
		t.Fatalf("int and string forms must hash alike: %v", out["age"])
	}
	if out["id"] != int64(1) {
		t.Fatal("untouched column changed")
	}
}

func TestPseudonymizeProperties(t *testing.T) {
	t.Parallel()

	inputs := []any{"", "x", int64(7), 3.5, true, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)}
	for _, in := range inputs {
		h1 := Pseudonymize("s", in)
		h2 := Pseudonymize("s", in)
		if h1 != h2 {
			t.Errorf("non-deterministic for %v", in)
		}
		if h1 == Stringify(in) {
			t.Errorf("hash equals input for %v", in)
		}
		if len(h1) != 64 {
			t.Errorf("hash length %d", len(h1))
		}
	}
	if Pseudonymize("a", "x") == Pseudonymize("b", "x") {
		t.Error("salt has no effect")
	}
}

func TestNilApplier(t *testing.T) {
	t.Parallel()
	var a *Applier
	rec := records.Record{"a": 1}
	if got := a.Apply(rec); got["a"] != 1 {
		t.Fatal("nil applier must be a no-op")
	}
}
