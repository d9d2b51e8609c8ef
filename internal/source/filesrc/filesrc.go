// Package filesrc extracts files from the local filesystem and object stores
// (s3, gs, az).
//
// A resource's source_table is a name prefix: every object in the same
// directory whose name starts with it is decoded by its extension (.csv,
// .json, .jsonl, .ndjson, .parquet, optionally .gz). Objects are read in key
// order. With a watermark set, objects modified at or before it are skipped.
package filesrc

import (
	"context"
	"fmt"
	"iter"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smalldata-ai/ferry-sub000/internal/cursor"
	"github.com/smalldata-ai/ferry-sub000/internal/directive"
	"github.com/smalldata-ai/ferry-sub000/internal/ferryerr"
	"github.com/smalldata-ai/ferry-sub000/internal/logging"
	"github.com/smalldata-ai/ferry-sub000/internal/objstore"
	"github.com/smalldata-ai/ferry-sub000/internal/parser"
	"github.com/smalldata-ai/ferry-sub000/internal/source"
	"github.com/smalldata-ai/ferry-sub000/internal/uri"
	"github.com/smalldata-ai/ferry-sub000/pkg/records"
)

func init() {
	source.Register(uri.FamilyLocalFile, Adapter{})
	source.Register(uri.FamilyObjectStore, Adapter{})
}

// Adapter opens file sessions.
type Adapter struct{}

// Open opens the bucket named by d.
func (Adapter) Open(ctx context.Context, d uri.Descriptor) (source.Session, error) {
	b, err := objstore.Open(ctx, d)
	if err != nil {
		return nil, ferryerr.Phase(ferryerr.KindExtract, string(d.Family), "", err)
	}
	return NewSession(b, d.Family), nil
}

// Session reads objects of one bucket.
type Session struct {
	bucket objstore.Bucket
	family uri.Family

	mu     sync.Mutex
	after  map[string]*time.Time
	newest map[string]*time.Time
}

var (
	_ source.Session     = (*Session)(nil)
	_ source.Watermarked = (*Session)(nil)
)

// NewSession reads from b.
func NewSession(b objstore.Bucket, family uri.Family) *Session {
	return &Session{bucket: b, family: family, after: map[string]*time.Time{}, newest: map[string]*time.Time{}}
}

// Close closes the bucket.
func (s *Session) Close() error { return s.bucket.Close() }

// SetWatermark skips objects of resource modified at or before after.
func (s *Session) SetWatermark(resource string, after *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.after[resource] = after
	s.newest[resource] = after
}

// Watermark returns the newest modification time read for resource.
func (s *Session) Watermark(resource string) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newest[resource]
}

func (s *Session) observe(resource string, mt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.newest[resource]; cur == nil || mt.After(*cur) {
		t := mt.UTC()
		s.newest[resource] = &t
	}
}

// Match returns the objects of resource in key order, after the watermark.
func (s *Session) Match(ctx context.Context, resource string) ([]objstore.Object, error) {
	objs, err := s.bucket.List(ctx, resource)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	after := s.after[resource]
	s.mu.Unlock()

	dir := path.Dir(resource)
	out := objs[:0]
	for _, o := range objs {
		if path.Dir(o.Key) != dir {
			continue
		}
		if after != nil && !o.ModTime.After(*after) {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// Extract streams the records of every matched object. Row-level cursor
// filtering is left to the engine.
func (s *Session) Extract(ctx context.Context, res directive.Resource, _ *cursor.Filter) iter.Seq2[records.Record, error] {
	return func(yield func(records.Record, error) bool) {
		fail := func(err error) {
			yield(nil, ferryerr.Phase(ferryerr.KindExtract, string(s.family), res.SourceTable, err))
		}
		log := logging.From(ctx).With(zap.String("resource", res.SourceTable))

		objs, err := s.Match(ctx, res.SourceTable)
		if err != nil {
			fail(fmt.Errorf("list %s: %w", res.SourceTable, err))
			return
		}
		log.Debug("matched objects", zap.Int("count", len(objs)))

		for _, o := range objs {
			if !s.read(ctx, log, res, o, yield, fail) {
				return
			}
			s.observe(res.SourceTable, o.ModTime)
		}
	}
}

// read streams one object; false stops the extraction.
func (s *Session) read(
	ctx context.Context,
	log *zap.Logger,
	res directive.Resource,
	o objstore.Object,
	yield func(records.Record, error) bool,
	fail func(error),
) bool {
	rc, err := s.bucket.Open(ctx, o.Key)
	if err != nil {
		fail(err)
		return false
	}
	defer rc.Close()

	skipped := 0
	onError := func(line int, err error) {
		skipped++
		log.Warn("skipped malformed row", zap.String("object", o.Key), zap.Int("line", line), zap.Error(err))
	}
	n := 0
	for rec, err := range parser.Stream(ctx, o.Key, rc, res.SourceOptions, onError) {
		if err != nil {
			fail(err)
			return false
		}
		n++
		if !yield(rec, nil) {
			return false
		}
	}
	log.Debug("object read", zap.String("object", o.Key), zap.Int("records", n), zap.Int("skipped", skipped))
	return true
}
