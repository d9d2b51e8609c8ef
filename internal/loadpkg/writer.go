package loadpkg

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/smalldata-ai/ferry-sub000/pkg/records"
)

// Writer appends records of one table to gzip JSON-lines partition files,
// starting a new file every rowsPerFile rows.
type Writer struct {
	dir         string
	table       string
	rowsPerFile int

	files []string
	rows  int64

	f      *os.File
	zw     *gzip.Writer
	bw     *bufio.Writer
	enc    *json.Encoder
	inFile int
}

// NewWriter returns a writer for table inside m.
func NewWriter(m *Manifest, table string, rowsPerFile int) *Writer {
	if rowsPerFile <= 0 {
		rowsPerFile = 50000
	}
	return &Writer{dir: m.dir, table: table, rowsPerFile: rowsPerFile}
}

// Write appends rec.
func (w *Writer) Write(rec records.Record) error {
	if w.enc == nil || w.inFile >= w.rowsPerFile {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("encode row %d of %s: %w", w.rows+1, w.table, err)
	}
	w.inFile++
	w.rows++
	return nil
}

func (w *Writer) rotate() error {
	if err := w.closeFile(); err != nil {
		return err
	}
	name := fmt.Sprintf("%s.%d.jsonl.gz", w.table, len(w.files))
	f, err := os.Create(filepath.Join(w.dir, name))
	if err != nil {
		return fmt.Errorf("create partition: %w", err)
	}
	w.f = f
	w.zw = gzip.NewWriter(f)
	w.bw = bufio.NewWriterSize(w.zw, 64<<10)
	w.enc = json.NewEncoder(w.bw)
	w.enc.SetEscapeHTML(false)
	w.inFile = 0
	w.files = append(w.files, name)
	return nil
}

func (w *Writer) closeFile() error {
	if w.f == nil {
		return nil
	}
	f := w.f
	w.f = nil
	if err := w.bw.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush partition: %w", err)
	}
	if err := w.zw.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("close gzip: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync partition: %w", err)
	}
	return f.Close()
}

// Close finishes the current file and returns the partition file names and
// total rows written.
func (w *Writer) Close() ([]string, int64, error) {
	if err := w.closeFile(); err != nil {
		return nil, 0, err
	}
	return w.files, w.rows, nil
}

// Abort closes and deletes everything written so far.
func (w *Writer) Abort() {
	_ = w.closeFile()
	for _, name := range w.files {
		_ = os.Remove(filepath.Join(w.dir, name))
	}
}
