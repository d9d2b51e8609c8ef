package trace

import (
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/smalldata-ai/ferry-sub000/internal/ferryerr"
)

func newRecorder(t *testing.T) (*Recorder, *Store) {
	t.Helper()
	store := NewStore(t.TempDir())
	r, err := NewRecorder(store, New("orders_sync", "sql", "sql", time.Now()))
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	return r, store
}

func TestLifecyclePersists(t *testing.T) {
	t.Parallel()

	r, store := newRecorder(t)

	if err := r.Processing("load-1", "analytics"); err != nil {
		t.Fatal(err)
	}
	if err := r.StartPhase(Extract, "orders"); err != nil {
		t.Fatal(err)
	}
	if err := r.FinishPhase(Extract, "orders", 42, -1, nil); err != nil {
		t.Fatal(err)
	}
	if err := r.ClosePhase(Extract); err != nil {
		t.Fatal(err)
	}
	if err := r.SetSchemaHash("abc"); err != nil {
		t.Fatal(err)
	}
	if err := r.Finish(nil); err != nil {
		t.Fatal(err)
	}

	got, err := store.Load("orders_sync")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Status != Completed || got.FinishedAt == nil {
		t.Fatalf("status = %s finished=%v", got.Status, got.FinishedAt)
	}
	if got.LoadID != "load-1" || got.DatasetName != "analytics" || got.SchemaVersionHash != "abc" {
		t.Fatalf("trace = %+v", got)
	}
	res := got.Resource(Extract, "orders")
	if res == nil || res.Status != Completed || res.RowCount == nil || *res.RowCount != 42 {
		t.Fatalf("extract resource = %+v", res)
	}
	if res.FileSize != nil {
		t.Fatalf("file size should be omitted, got %d", *res.FileSize)
	}
	if got.Phases[Load].Status != Completed {
		t.Fatalf("untouched load phase = %s", got.Phases[Load].Status)
	}
}

func TestTerminalStatusIsSticky(t *testing.T) {
	t.Parallel()

	r, _ := newRecorder(t)
	_ = r.Processing("l", "")
	if err := r.Finish(errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	_ = r.Processing("l2", "")
	_ = r.Finish(nil)

	snap := r.Snapshot()
	if snap.Status != Failed {
		t.Fatalf("status = %s, want failed", snap.Status)
	}
	if len(snap.Errors) != 1 || snap.Errors[0] != "boom" {
		t.Fatalf("errors = %v", snap.Errors)
	}
}

func TestFailedResourceFailsPhase(t *testing.T) {
	t.Parallel()

	r, _ := newRecorder(t)
	_ = r.StartPhase(Load, "a")
	_ = r.StartPhase(Load, "b")
	_ = r.FinishPhase(Load, "a", 1, -1, nil)
	_ = r.FinishPhase(Load, "b", -1, -1, errors.New("table locked"))
	// A late success must not overwrite the failure.
	_ = r.FinishPhase(Load, "b", 5, -1, nil)
	_ = r.ClosePhase(Load)

	snap := r.Snapshot()
	if snap.Phases[Load].Status != Failed {
		t.Fatalf("load phase = %s, want failed", snap.Phases[Load].Status)
	}
	if b := snap.Resource(Load, "b"); b.Status != Failed || b.RowCount != nil {
		t.Fatalf("resource b = %+v", b)
	}
}

func TestFinishFlattensMultiError(t *testing.T) {
	t.Parallel()

	r, _ := newRecorder(t)
	var merr *multierror.Error
	merr = multierror.Append(merr, errors.New("a failed"), errors.New("b failed"))
	_ = r.Finish(merr.ErrorOrNil())

	if got := r.Snapshot().Errors; len(got) != 2 {
		t.Fatalf("errors = %v, want 2 entries", got)
	}
}

func TestLoadMissingIsNotFound(t *testing.T) {
	t.Parallel()

	_, err := NewStore(t.TempDir()).Load("nope")
	if !ferryerr.Is(err, ferryerr.KindNotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestNext(t *testing.T) {
	t.Parallel()

	cases := []struct{ cur, want, got Status }{
		{Pending, Processing, Processing},
		{Processing, Pending, Processing},
		{Processing, Failed, Failed},
		{Completed, Failed, Completed},
		{Failed, Processing, Failed},
	}
	for _, c := range cases {
		if got := next(c.cur, c.want); got != c.got {
			t.Errorf("next(%s, %s) = %s, want %s", c.cur, c.want, got, c.got)
		}
	}
}
