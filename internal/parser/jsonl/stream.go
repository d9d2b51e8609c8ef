// Package jsonl streams JSON documents as records.
//
// Accepted shapes:
//
//   - newline-delimited objects (JSONL/NDJSON): {...}\n{...}
//   - a root array of objects: [ {...}, {...} ]
//   - a root object wrapping an array of objects: { "records": [...] }
//   - a single object, treated as one record
//
// Root arrays are decoded element by element, so large files stay in
// bounded memory. Numbers are decoded as json.Number and converted to int64
// when integral, float64 otherwise.
package jsonl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/smalldata-ai/ferry-sub000/internal/config"
	"github.com/smalldata-ai/ferry-sub000/pkg/records"
)

// Options configures Stream.
type Options struct {
	// HeaderMap renames top-level keys (original -> canonical).
	HeaderMap map[string]string
}

// OptionsFrom reads Options from free-form source options (header_map).
func OptionsFrom(o config.Options) Options {
	return Options{HeaderMap: o.StringMap("header_map")}
}

// Stream yields the records in r.
func Stream(ctx context.Context, r io.Reader, opt Options) iter.Seq2[records.Record, error] {
	return func(yield func(records.Record, error) bool) {
		dec := json.NewDecoder(r)
		dec.UseNumber()

		line := 0
		emit := func(obj map[string]any) bool {
			line++
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return false
			}
			return yield(canonical(obj, opt.HeaderMap), nil)
		}
		fail := func(err error) { yield(nil, fmt.Errorf("json: record %d: %w", line+1, err)) }

		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			fail(err)
			return
		}

		switch tok {
		case json.Delim('['):
			// Root array: stream its elements.
			for dec.More() {
				var obj map[string]any
				if err := dec.Decode(&obj); err != nil {
					fail(fmt.Errorf("array element: %w", err))
					return
				}
				if !emit(obj) {
					return
				}
			}
			if _, err := dec.Token(); err != nil {
				fail(err)
				return
			}
		case json.Delim('{'):
			obj, err := decodeObjectBody(dec)
			if err != nil {
				fail(err)
				return
			}
			// A lone root object may be an envelope; in a JSONL stream every
			// object is a record.
			if !dec.More() {
				if slice := findObjectSlice(obj); slice != nil {
					for _, o := range slice {
						if !emit(o) {
							return
						}
					}
					return
				}
			}
			if !emit(obj) {
				return
			}
		default:
			fail(fmt.Errorf("unsupported root value %v (want object or array)", tok))
			return
		}

		// Trailing top-level objects (JSONL/NDJSON).
		for {
			var obj map[string]any
			err := dec.Decode(&obj)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				fail(err)
				return
			}
			if !emit(obj) {
				return
			}
		}
	}
}

// decodeObjectBody decodes the members of an object whose opening brace has
// already been consumed.
func decodeObjectBody(dec *json.Decoder) (map[string]any, error) {
	obj := map[string]any{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("object key is %T", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		obj[key] = v
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return obj, nil
}

// findObjectSlice returns the first member of root that is a non-empty array
// of objects, e.g. the "records" array of {"records": [...], "meta": {...}}.
func findObjectSlice(root map[string]any) []map[string]any {
	for _, v := range root {
		raw, ok := v.([]any)
		if !ok || len(raw) == 0 {
			continue
		}
		objects := make([]map[string]any, 0, len(raw))
		valid := true
		for _, elem := range raw {
			if elem == nil {
				continue
			}
			m, ok := elem.(map[string]any)
			if !ok {
				valid = false
				break
			}
			objects = append(objects, m)
		}
		if valid && len(objects) > 0 {
			return objects
		}
	}
	return nil
}

func canonical(obj map[string]any, headerMap map[string]string) records.Record {
	rec := make(records.Record, len(obj))
	for k, v := range obj {
		if mapped, ok := headerMap[k]; ok && mapped != "" {
			k = mapped
		}
		rec[k] = Native(v)
	}
	return rec
}

// Native converts decoded JSON values into ferry's scalar representation:
// json.Number becomes int64 or float64; nested values are kept as maps and
// slices with their numbers converted.
func Native(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		for k, vv := range t {
			t[k] = Native(vv)
		}
		return t
	case []any:
		for i, vv := range t {
			t[i] = Native(vv)
		}
		return t
	default:
		return v
	}
}
