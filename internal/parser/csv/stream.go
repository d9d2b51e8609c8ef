// Package csv streams CSV input as records without whole-file buffering.
//
// Header handling follows the usual conventions: the first row names the
// columns (a UTF-8 BOM on the first cell is stripped and header_map renames
// cells), or, without a header, columns are named col_0..col_N. Empty cells
// become nil; with type inference on, other cells are parsed into bool,
// int64, float64, date or timestamp values where they look like one.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/smalldata-ai/ferry-sub000/internal/config"
	"github.com/smalldata-ai/ferry-sub000/internal/schema"
	"github.com/smalldata-ai/ferry-sub000/pkg/records"
)

const utf8BOM = "\uFEFF"

// Options configures Stream.
type Options struct {
	Comma     rune // default ','
	HasHeader bool
	TrimSpace bool
	// LazyQuotes relaxes quote handling in encoding/csv.
	LazyQuotes bool
	// FieldsPerRecord: 0 tolerates any width; >0 enforces it. With a header
	// the header width is enforced unless this is negative.
	FieldsPerRecord int
	HeaderMap       map[string]string
	InferTypes      bool
	// OnError receives rows that were skipped; nil drops them silently.
	OnError func(line int, err error)
}

// OptionsFrom reads Options from free-form source options:
//
//	comma (string; first rune), has_header (default true), trim_space
//	(default true), lazy_quotes, fields_per_record, header_map,
//	infer_types (default true).
func OptionsFrom(o config.Options) Options {
	return Options{
		Comma:           o.Rune("comma", ','),
		HasHeader:       o.Bool("has_header", true),
		TrimSpace:       o.Bool("trim_space", true),
		LazyQuotes:      o.Bool("lazy_quotes", false),
		FieldsPerRecord: o.Int("fields_per_record", 0),
		HeaderMap:       o.StringMap("header_map"),
		InferTypes:      o.Bool("infer_types", true),
	}
}

// Stream yields one record per data row of r. Malformed rows are reported
// to opt.OnError and skipped; a header read failure or cancellation ends the
// sequence with an error.
func Stream(ctx context.Context, r io.Reader, opt Options) iter.Seq2[records.Record, error] {
	return func(yield func(records.Record, error) bool) {
		cr := csv.NewReader(r)
		if opt.Comma != 0 {
			cr.Comma = opt.Comma
		}
		cr.LazyQuotes = opt.LazyQuotes
		cr.FieldsPerRecord = -1 // width is checked below

		line := 0
		read := func() ([]string, error) { line++; return cr.Read() }

		var headers []string
		if opt.HasHeader {
			h, err := read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("csv: read header: %w", err))
				return
			}
			headers = normalizeHeaders(h, opt.HeaderMap)
		}

		expected := opt.FieldsPerRecord
		if expected == 0 && headers != nil {
			expected = len(headers)
		}

		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			row, err := read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				var pe *csv.ParseError
				if errors.As(err, &pe) {
					if opt.OnError != nil {
						opt.OnError(line, fmt.Errorf("csv: %w", err))
					}
					continue
				}
				yield(nil, fmt.Errorf("csv: read line %d: %w", line, err))
				return
			}
			if expected > 0 && len(row) != expected {
				if opt.OnError != nil {
					opt.OnError(line, fmt.Errorf("csv: incorrect number of fields: expected %d, got %d", expected, len(row)))
				}
				continue
			}

			rec := make(records.Record, len(row))
			for i, v := range row {
				if opt.TrimSpace {
					v = strings.TrimSpace(v)
				}
				rec[keyFor(i, headers)] = cell(v, opt.InferTypes)
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func cell(v string, infer bool) any {
	if v == "" {
		return nil
	}
	if infer {
		return schema.ParseScalar(v)
	}
	return v
}

// keyFor returns the column key for index idx, using headers when available,
// otherwise synthesizing a "col_N" name.
func keyFor(idx int, headers []string) string {
	if idx < len(headers) && headers[idx] != "" {
		return headers[idx]
	}
	return fmt.Sprintf("col_%d", idx)
}

// normalizeHeaders trims cells, strips a BOM from the first one and applies
// headerMap.
func normalizeHeaders(h []string, headerMap map[string]string) []string {
	res := make([]string, len(h))
	for i, col := range h {
		c := strings.TrimSpace(col)
		if i == 0 {
			c = strings.TrimPrefix(c, utf8BOM)
		}
		if m, ok := headerMap[c]; ok && m != "" {
			c = m
		}
		res[i] = c
	}
	return res
}
