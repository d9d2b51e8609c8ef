// Package parquet reads Parquet files as records.
//
// Parquet needs random access, so non-seekable inputs are spooled to a
// temporary file first.
package parquet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"time"

	pq "github.com/parquet-go/parquet-go"

	"github.com/smalldata-ai/ferry-sub000/pkg/records"
)

const batchSize = 256

// sizedReaderAt is satisfied by *os.File and *bytes.Reader.
type sizedReaderAt interface {
	io.ReaderAt
	Size() int64
}

// Stream yields every row of the Parquet file in r as a record keyed by
// top-level column name.
func Stream(ctx context.Context, r io.Reader) iter.Seq2[records.Record, error] {
	return func(yield func(records.Record, error) bool) {
		ra, size, cleanup, err := readerAt(r)
		if err != nil {
			yield(nil, fmt.Errorf("parquet: %w", err))
			return
		}
		defer cleanup()

		f, err := pq.OpenFile(ra, size)
		if err != nil {
			yield(nil, fmt.Errorf("parquet: open: %w", err))
			return
		}
		rd := pq.NewGenericReader[map[string]any](f, f.Schema())
		defer rd.Close()

		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			batch := make([]map[string]any, batchSize)
			for i := range batch {
				batch[i] = map[string]any{}
			}
			n, err := rd.Read(batch)
			for _, row := range batch[:n] {
				if !yield(convert(row), nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("parquet: read: %w", err))
				return
			}
			if n == 0 {
				return
			}
		}
	}
}

func readerAt(r io.Reader) (io.ReaderAt, int64, func(), error) {
	if s, ok := r.(sizedReaderAt); ok {
		return s, s.Size(), func() {}, nil
	}
	if f, ok := r.(*os.File); ok {
		st, err := f.Stat()
		if err != nil {
			return nil, 0, nil, err
		}
		return f, st.Size(), func() {}, nil
	}
	tmp, err := os.CreateTemp("", "ferry-parquet-*")
	if err != nil {
		return nil, 0, nil, err
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	n, err := io.Copy(tmp, r)
	if err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("spool: %w", err)
	}
	return tmp, n, cleanup, nil
}

func convert(row map[string]any) records.Record {
	rec := make(records.Record, len(row))
	for k, v := range row {
		rec[k] = native(v)
	}
	return rec
}

func native(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case float32:
		return float64(t)
	case time.Time:
		return t.UTC()
	case map[string]any:
		for k, vv := range t {
			t[k] = native(vv)
		}
		return t
	case []any:
		for i, vv := range t {
			t[i] = native(vv)
		}
		return t
	default:
		return v
	}
}
