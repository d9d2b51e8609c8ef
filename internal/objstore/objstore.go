// Package objstore is a small bucket abstraction over the local filesystem,
// S3-compatible stores, Google Cloud Storage and Azure Blob Storage. File
// sources list and read objects through it; the filesystem destination
// writes through it.
//
// Keys are slash separated and relative to the prefix named by the URI
// (the path of a file:// URI, or the object prefix after the bucket).
package objstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/smalldata-ai/ferry-sub000/internal/uri"
)

// Object describes a stored object.
type Object struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Bucket is a flat key space.
type Bucket interface {
	// List returns objects whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Object, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, r io.Reader) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open returns the bucket named by d.
func Open(ctx context.Context, d uri.Descriptor) (Bucket, error) {
	var (
		raw Bucket
		err error
	)
	switch d.Scheme {
	case "file":
		return NewLocal(d.Path), nil
	case "s3":
		raw, err = newS3(d)
	case "gs":
		raw, err = newGCS(ctx, d)
	case "az":
		raw, err = newAzure(d)
	default:
		return nil, fmt.Errorf("objstore: unsupported scheme %q", d.Scheme)
	}
	if err != nil {
		return nil, err
	}
	return withPrefix(raw, d.Path), nil
}

// DeletePrefix removes every object under prefix.
func DeletePrefix(ctx context.Context, b Bucket, prefix string) (int, error) {
	objs, err := b.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for i, o := range objs {
		if err := b.Delete(ctx, o.Key); err != nil {
			return i, fmt.Errorf("delete %s: %w", o.Key, err)
		}
	}
	return len(objs), nil
}

// Join joins key segments with slashes.
func Join(parts ...string) string {
	return strings.TrimPrefix(path.Join(parts...), "/")
}

func sortObjects(objs []Object) {
	sort.Slice(objs, func(i, j int) bool { return objs[i].Key < objs[j].Key })
}

// prefixed scopes a bucket to keys under base.
type prefixed struct {
	Bucket
	base string
}

func withPrefix(b Bucket, base string) Bucket {
	base = strings.Trim(base, "/")
	if base == "" {
		return b
	}
	return &prefixed{Bucket: b, base: base + "/"}
}

func (p *prefixed) List(ctx context.Context, prefix string) ([]Object, error) {
	objs, err := p.Bucket.List(ctx, p.base+prefix)
	if err != nil {
		return nil, err
	}
	for i := range objs {
		objs[i].Key = strings.TrimPrefix(objs[i].Key, p.base)
	}
	return objs, nil
}

func (p *prefixed) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return p.Bucket.Open(ctx, p.base+key)
}

func (p *prefixed) Put(ctx context.Context, key string, r io.Reader) error {
	return p.Bucket.Put(ctx, p.base+key, r)
}

func (p *prefixed) Delete(ctx context.Context, key string) error {
	return p.Bucket.Delete(ctx, p.base+key)
}
