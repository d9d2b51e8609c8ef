// Package destination defines the destination adapter contract and the
// registry mapping URI schemes to adapters.
//
// Adapters register themselves from init; importing
// internal/destination/all enables every built-in adapter.
package destination

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/smalldata-ai/ferry-sub000/internal/ferryerr"
	"github.com/smalldata-ai/ferry-sub000/internal/loadpkg"
	"github.com/smalldata-ai/ferry-sub000/internal/plan"
	"github.com/smalldata-ai/ferry-sub000/internal/uri"
)

// Options tune an open session.
type Options struct {
	// Pipeline labels metrics and logs.
	Pipeline string
	// BatchSize is the number of rows per stage-write flush.
	BatchSize int
}

// Adapter opens sessions against one kind of destination.
type Adapter interface {
	Open(ctx context.Context, d uri.Descriptor, opts Options) (Session, error)
	// DefaultSchemaName is the dataset used when the request names none.
	DefaultSchemaName() string
}

// Session applies plans. Plans for different tables may be applied
// concurrently; the engine serializes plans for the same table.
type Session interface {
	Capabilities() plan.Capabilities
	ApplyPlan(ctx context.Context, p plan.Plan, r loadpkg.Reader) (plan.Result, error)
	Close() error
}

var (
	mu       sync.RWMutex
	adapters = map[string]Adapter{}
)

// Register installs a for each scheme, replacing earlier adapters.
func Register(a Adapter, schemes ...string) {
	mu.Lock()
	defer mu.Unlock()
	for _, s := range schemes {
		adapters[strings.ToLower(s)] = a
	}
}

// Lookup returns the adapter for d's scheme. An unsupported scheme is an
// InvalidDestination error.
func Lookup(d uri.Descriptor) (Adapter, error) {
	mu.RLock()
	a, ok := adapters[d.Scheme]
	mu.RUnlock()
	if !ok {
		return nil, ferryerr.Newf(ferryerr.KindInvalidDestination, "scheme %q cannot be used as a destination", d.Scheme)
	}
	return a, nil
}

// Schemes lists registered schemes.
func Schemes() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(adapters))
	for s := range adapters {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Fail wraps err as a load error of table.
func Fail(scheme, table string, err error) error {
	return ferryerr.Phase(ferryerr.KindLoad, scheme, table, err)
}
