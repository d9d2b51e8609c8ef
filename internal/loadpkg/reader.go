package loadpkg

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/smalldata-ai/ferry-sub000/internal/schema"
	"github.com/smalldata-ai/ferry-sub000/pkg/records"
)

// Reader yields the rows of one normalized table, each aligned to
// Table().Columns and coerced to the column types.
type Reader interface {
	Table() schema.Table
	Rows() iter.Seq2[[]any, error]
}

// FileReader reads a table's partition files.
type FileReader struct {
	dir   string
	files []string
	table schema.Table
}

// Open returns a reader over the files of entry, shaped by table. table may
// carry more columns than the files (e.g. columns known from earlier loads);
// those read as nil.
func (m *Manifest) Open(entry *TableEntry, table schema.Table) *FileReader {
	return &FileReader{dir: m.dir, files: entry.Files, table: table}
}

// Table returns the schema rows are shaped by.
func (r *FileReader) Table() schema.Table { return r.table }

// Rows streams every row of every file in order.
func (r *FileReader) Rows() iter.Seq2[[]any, error] {
	return func(yield func([]any, error) bool) {
		for _, name := range r.files {
			if !r.readFile(name, yield) {
				return
			}
		}
	}
}

func (r *FileReader) readFile(name string, yield func([]any, error) bool) bool {
	path := filepath.Join(r.dir, name)
	f, err := os.Open(path)
	if err != nil {
		return yield(nil, fmt.Errorf("open partition: %w", err))
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return yield(nil, fmt.Errorf("gzip %s: %w", name, err))
	}
	defer zr.Close()

	dec := json.NewDecoder(bufio.NewReaderSize(zr, 64<<10))
	dec.UseNumber()
	line := 0
	for {
		var rec records.Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return true
		}
		line++
		if err != nil {
			return yield(nil, fmt.Errorf("%s line %d: %w", name, line, err))
		}
		row, err := Shape(r.table, rec)
		if err != nil {
			err = fmt.Errorf("%s line %d: %w", name, line, err)
		}
		if !yield(row, err) || err != nil {
			return false
		}
	}
}

// Shape aligns rec to t's columns, coercing each value.
func Shape(t schema.Table, rec records.Record) ([]any, error) {
	row := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		v, err := schema.Coerce(rec[c.Name], c.DataType)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		row[i] = v
	}
	return row, nil
}

// SliceReader serves rows already in memory.
type SliceReader struct {
	Schema schema.Table
	Data   [][]any
}

// Table returns the schema.
func (s *SliceReader) Table() schema.Table { return s.Schema }

// Rows yields Data in order.
func (s *SliceReader) Rows() iter.Seq2[[]any, error] {
	return func(yield func([]any, error) bool) {
		for _, row := range s.Data {
			if !yield(row, nil) {
				return
			}
		}
	}
}

// Collect drains r into memory.
func Collect(r Reader) ([][]any, error) {
	var out [][]any
	for row, err := range r.Rows() {
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}
