package source

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/smalldata-ai/ferry-sub000/internal/cursor"
	"github.com/smalldata-ai/ferry-sub000/internal/directive"
	"github.com/smalldata-ai/ferry-sub000/internal/ferryerr"
	"github.com/smalldata-ai/ferry-sub000/internal/uri"
	"github.com/smalldata-ai/ferry-sub000/pkg/records"
)

type fakeAdapter struct{}

func (fakeAdapter) Open(context.Context, uri.Descriptor) (Session, error) { return fakeSession{}, nil }

type fakeSession struct{}

func (fakeSession) Extract(context.Context, directive.Resource, *cursor.Filter) iter.Seq2[records.Record, error] {
	return func(yield func(records.Record, error) bool) { yield(records.Record{"id": int64(1)}, nil) }
}
func (fakeSession) Close() error { return nil }

func TestRegisterAndLookup(t *testing.T) {
	Register(uri.Family("test-family"), fakeAdapter{})
	t.Cleanup(func() {
		mu.Lock()
		delete(adapters, uri.Family("test-family"))
		mu.Unlock()
	})

	a, err := Lookup(uri.Descriptor{Scheme: "x", Family: "test-family"})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	s, err := a.Open(context.Background(), uri.Descriptor{})
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, err := range s.Extract(context.Background(), directive.Resource{}, nil) {
		if err != nil {
			t.Fatal(err)
		}
		n++
	}
	if n != 1 {
		t.Fatalf("records = %d", n)
	}

	_, err = Lookup(uri.Descriptor{Scheme: "bigquery", Family: "no-such-family"})
	if !ferryerr.Is(err, ferryerr.KindInvalidSource) {
		t.Fatalf("want InvalidSource, got %v", err)
	}
}

func TestFail(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	var got error
	for _, err := range Fail(uri.FamilySQL, "orders", cause) {
		got = err
	}
	var fe *ferryerr.Error
	if !errors.As(got, &fe) || fe.Kind != ferryerr.KindExtract || fe.Resource != "orders" || fe.Family != "sql" {
		t.Fatalf("got %#v", got)
	}
	if !errors.Is(got, cause) {
		t.Fatal("cause not wrapped")
	}
}
