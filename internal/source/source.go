// Package source defines the source adapter contract and the registry that
// maps URI families to adapters.
//
// Adapters register themselves from init; importing
// internal/source/all enables every built-in adapter.
package source

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/smalldata-ai/ferry-sub000/internal/cursor"
	"github.com/smalldata-ai/ferry-sub000/internal/directive"
	"github.com/smalldata-ai/ferry-sub000/internal/ferryerr"
	"github.com/smalldata-ai/ferry-sub000/internal/uri"
	"github.com/smalldata-ai/ferry-sub000/pkg/records"
)

// Adapter opens sessions against one family of sources.
type Adapter interface {
	Open(ctx context.Context, d uri.Descriptor) (Session, error)
}

// Session extracts resources from an open source. A session is shared by
// the resources of one request and must be safe for concurrent Extract
// calls.
type Session interface {
	// Extract streams the records of res. f may be nil; sources push it down
	// where they can and the engine re-checks every record. The sequence
	// stops at the first error.
	Extract(ctx context.Context, res directive.Resource, f *cursor.Filter) iter.Seq2[records.Record, error]
	Close() error
}

// Watermarked is implemented by sessions that extract only inputs modified
// after a watermark (file-based sources).
type Watermarked interface {
	// SetWatermark skips inputs of resource modified at or before after.
	SetWatermark(resource string, after *time.Time)
	// Watermark returns the newest modification time read for resource, or
	// the watermark set when nothing newer was read.
	Watermark(resource string) *time.Time
}

var (
	mu       sync.RWMutex
	adapters = map[uri.Family]Adapter{}
)

// Register installs a for family, replacing any earlier adapter.
func Register(family uri.Family, a Adapter) {
	mu.Lock()
	defer mu.Unlock()
	adapters[family] = a
}

// Lookup returns the adapter of d's family. An unsupported family is an
// InvalidSource error.
func Lookup(d uri.Descriptor) (Adapter, error) {
	mu.RLock()
	a, ok := adapters[d.Family]
	mu.RUnlock()
	if !ok {
		return nil, ferryerr.Newf(ferryerr.KindInvalidSource, "scheme %q cannot be used as a source", d.Scheme)
	}
	return a, nil
}

// Families lists registered families.
func Families() []uri.Family {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]uri.Family, 0, len(adapters))
	for f := range adapters {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Fail returns a sequence yielding only err wrapped as an extract error.
func Fail(family uri.Family, resource string, err error) iter.Seq2[records.Record, error] {
	return func(yield func(records.Record, error) bool) {
		yield(nil, ferryerr.Phase(ferryerr.KindExtract, string(family), resource, err))
	}
}
