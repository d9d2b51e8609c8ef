package destination

import (
	"context"
	"errors"
	"testing"

	"github.com/smalldata-ai/ferry-sub000/internal/ferryerr"
	"github.com/smalldata-ai/ferry-sub000/internal/loadpkg"
	"github.com/smalldata-ai/ferry-sub000/internal/plan"
	"github.com/smalldata-ai/ferry-sub000/internal/uri"
)

type fakeAdapter struct{}

func (fakeAdapter) Open(context.Context, uri.Descriptor, Options) (Session, error) {
	return fakeSession{}, nil
}
func (fakeAdapter) DefaultSchemaName() string { return "main" }

type fakeSession struct{}

func (fakeSession) Capabilities() plan.Capabilities { return plan.Capabilities{SQL: true} }
func (fakeSession) ApplyPlan(context.Context, plan.Plan, loadpkg.Reader) (plan.Result, error) {
	return plan.Result{Inserted: 1}, nil
}
func (fakeSession) Close() error { return nil }

func TestRegisterAndLookup(t *testing.T) {
	Register(fakeAdapter{}, "Fake", "fake2")
	t.Cleanup(func() {
		mu.Lock()
		delete(adapters, "fake")
		delete(adapters, "fake2")
		mu.Unlock()
	})

	for _, scheme := range []string{"fake", "fake2"} {
		a, err := Lookup(uri.Descriptor{Scheme: scheme})
		if err != nil {
			t.Fatalf("Lookup(%s): %v", scheme, err)
		}
		if a.DefaultSchemaName() != "main" {
			t.Fatalf("default schema = %q", a.DefaultSchemaName())
		}
	}

	_, err := Lookup(uri.Descriptor{Scheme: "kafka"})
	if !ferryerr.Is(err, ferryerr.KindInvalidDestination) {
		t.Fatalf("want InvalidDestination, got %v", err)
	}
}

func TestFail(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	err := Fail("sqlite", "orders", base)
	if !ferryerr.Is(err, ferryerr.KindLoad) || !errors.Is(err, base) {
		t.Fatalf("Fail = %v", err)
	}
	if Fail("sqlite", "orders", nil) != nil {
		t.Fatal("nil error wrapped")
	}
}
