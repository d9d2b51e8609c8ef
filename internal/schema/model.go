package schema

import (
	"fmt"
	"sort"

	"github.com/zeebo/xxh3"
	"gopkg.in/yaml.v3"

	"github.com/smalldata-ai/ferry-sub000/pkg/records"
)

// System columns ferry adds to loaded rows.
const (
	ColumnLoadID  = "_ferry_load_id"
	ColumnRowHash = "_ferry_row_hash"
)

// IsSystemColumn reports whether name is owned by ferry rather than the source.
func IsSystemColumn(name string) bool {
	return name == ColumnLoadID || name == ColumnRowHash
}

// Column is one column of a logical table.
type Column struct {
	Name       string   `yaml:"name"`
	DataType   DataType `yaml:"data_type"`
	Nullable   bool     `yaml:"nullable"`
	PrimaryKey bool     `yaml:"primary_key,omitempty"`
	MergeKey   bool     `yaml:"merge_key,omitempty"`
	Cursor     bool     `yaml:"incremental,omitempty"`
}

// Table is the logical schema of one destination table. Columns keep the
// order in which they were first observed.
type Table struct {
	Name             string   `yaml:"name"`
	WriteDisposition string   `yaml:"write_disposition,omitempty"`
	Columns          []Column `yaml:"columns"`
}

// Column returns the column called name.
func (t *Table) Column(name string) (*Column, bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// ColumnNames returns column names in table order.
func (t *Table) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Observe widens the table with the values of rec. New columns are
// appended; a column whose value is nil becomes nullable. A column that has
// only seen nils keeps an empty type until Finalize.
func (t *Table) Observe(rec records.Record) {
	for _, k := range rec.Keys() {
		dt := InferValue(rec[k])
		c, ok := t.Column(k)
		if !ok {
			t.Columns = append(t.Columns, Column{Name: k, DataType: dt, Nullable: true})
			continue
		}
		c.DataType = Widen(c.DataType, dt)
	}
}

// Finalize resolves columns that never saw a value to text.
func (t *Table) Finalize() {
	for i := range t.Columns {
		if t.Columns[i].DataType == "" {
			t.Columns[i].DataType = TypeText
		}
	}
}

// MarkKeys flags primary key, merge key and cursor columns.
func (t *Table) MarkKeys(primary, merge []string, cursor string) {
	in := func(xs []string, s string) bool {
		for _, x := range xs {
			if x == s {
				return true
			}
		}
		return false
	}
	for i := range t.Columns {
		c := &t.Columns[i]
		c.PrimaryKey = in(primary, c.Name)
		c.MergeKey = in(merge, c.Name)
		c.Cursor = cursor != "" && c.Name == cursor
	}
}

// Evolve merges observed into the table already known at the destination.
// Known columns keep their type; columns only in observed are returned as
// additions and appended to the result.
func Evolve(known *Table, observed Table) (Table, []Column) {
	if known == nil {
		return observed, nil
	}
	out := Table{Name: observed.Name, WriteDisposition: observed.WriteDisposition}
	out.Columns = append(out.Columns, known.Columns...)
	var added []Column
	for _, c := range observed.Columns {
		if prev, ok := out.Column(c.Name); ok {
			prev.PrimaryKey, prev.MergeKey, prev.Cursor = c.PrimaryKey, c.MergeKey, c.Cursor
			continue
		}
		out.Columns = append(out.Columns, c)
		added = append(added, c)
	}
	return out, added
}

// Schema is the persisted schema of one pipeline identity.
type Schema struct {
	Name        string  `yaml:"name"`
	Version     int     `yaml:"version"`
	VersionHash string  `yaml:"version_hash"`
	Tables      []Table `yaml:"tables"`
}

// Table returns the table called name.
func (s *Schema) Table(name string) (*Table, bool) {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

// Put replaces or adds t, keeping tables ordered by name.
func (s *Schema) Put(t Table) {
	if prev, ok := s.Table(t.Name); ok {
		*prev = t
		return
	}
	s.Tables = append(s.Tables, t)
	sort.Slice(s.Tables, func(i, j int) bool { return s.Tables[i].Name < s.Tables[j].Name })
}

// Hash returns the content hash of the tables, independent of version.
func (s *Schema) Hash() (string, error) {
	b, err := yaml.Marshal(s.Tables)
	if err != nil {
		return "", fmt.Errorf("encode schema tables: %w", err)
	}
	return fmt.Sprintf("%016x", xxh3.Hash(b)), nil
}

// Seal recomputes VersionHash and bumps Version when content changed.
func (s *Schema) Seal() error {
	h, err := s.Hash()
	if err != nil {
		return err
	}
	if h != s.VersionHash {
		s.Version++
		s.VersionHash = h
	}
	return nil
}
