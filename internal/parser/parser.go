// Package parser picks a decoder for a file by its name and streams its
// records. Supported: .csv, .json, .jsonl, .ndjson and .parquet, each
// optionally gzip-compressed (.gz).
package parser

import (
	"context"
	"fmt"
	"io"
	"iter"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/smalldata-ai/ferry-sub000/internal/config"
	"github.com/smalldata-ai/ferry-sub000/internal/parser/csv"
	"github.com/smalldata-ai/ferry-sub000/internal/parser/jsonl"
	"github.com/smalldata-ai/ferry-sub000/internal/parser/parquet"
	"github.com/smalldata-ai/ferry-sub000/pkg/records"
)

// Format is a file encoding.
type Format string

const (
	CSV     Format = "csv"
	JSON    Format = "json"
	Parquet Format = "parquet"
)

// Detect returns the format of name and whether it is gzip-compressed.
func Detect(name string) (Format, bool, error) {
	base := strings.ToLower(path.Base(name))
	gz := strings.HasSuffix(base, ".gz")
	base = strings.TrimSuffix(base, ".gz")
	switch path.Ext(base) {
	case ".csv":
		return CSV, gz, nil
	case ".json", ".jsonl", ".ndjson":
		return JSON, gz, nil
	case ".parquet":
		return Parquet, gz, nil
	default:
		return "", gz, fmt.Errorf("unsupported file type %q", name)
	}
}

// Stream decodes r, named name, into records. onError receives rows a
// decoder skipped.
func Stream(ctx context.Context, name string, r io.Reader, opt config.Options, onError func(line int, err error)) iter.Seq2[records.Record, error] {
	return func(yield func(records.Record, error) bool) {
		format, gz, err := Detect(name)
		if err != nil {
			yield(nil, err)
			return
		}
		if gz {
			zr, err := gzip.NewReader(r)
			if err != nil {
				yield(nil, fmt.Errorf("gunzip %s: %w", name, err))
				return
			}
			defer zr.Close()
			r = zr
		}

		var seq iter.Seq2[records.Record, error]
		switch format {
		case CSV:
			o := csv.OptionsFrom(opt)
			o.OnError = onError
			seq = csv.Stream(ctx, r, o)
		case JSON:
			seq = jsonl.Stream(ctx, r, jsonl.OptionsFrom(opt))
		case Parquet:
			seq = parquet.Stream(ctx, r)
		}
		for rec, err := range seq {
			if err != nil {
				yield(nil, fmt.Errorf("%s: %w", name, err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}
