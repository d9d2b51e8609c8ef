// Package sqlsrc extracts tables from SQL databases over database/sql.
//
// Each resource is read with a single SELECT. An active cursor filter is
// pushed down as a WHERE clause and the rows are ordered by the cursor
// column; bounds that a dialect cannot compare faithfully (timestamps on
// engines storing them as text) are left to the engine's own filter.
package sqlsrc

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/smalldata-ai/ferry-sub000/internal/cursor"
	"github.com/smalldata-ai/ferry-sub000/internal/dialect"
	"github.com/smalldata-ai/ferry-sub000/internal/directive"
	"github.com/smalldata-ai/ferry-sub000/internal/ferryerr"
	"github.com/smalldata-ai/ferry-sub000/internal/source"
	"github.com/smalldata-ai/ferry-sub000/internal/storage"
	"github.com/smalldata-ai/ferry-sub000/internal/uri"
	"github.com/smalldata-ai/ferry-sub000/pkg/records"
)

func init() {
	for _, f := range []uri.Family{uri.FamilySQL, uri.FamilyFileBased, uri.FamilyWarehouse, uri.FamilyMotherDuck} {
		source.Register(f, Adapter{})
	}
}

// open is a test hook.
var open = storage.Open

// Adapter opens SQL source sessions.
type Adapter struct{}

// Open connects to the database named by d.
func (Adapter) Open(ctx context.Context, d uri.Descriptor) (source.Session, error) {
	db, err := open(ctx, d)
	if err != nil {
		return nil, ferryerr.Phase(ferryerr.KindExtract, string(d.Family), "", err)
	}
	return &Session{db: db, family: d.Family}, nil
}

// Session reads tables from one connection pool.
type Session struct {
	db     *storage.DB
	family uri.Family
}

// NewSession wraps an open database.
func NewSession(db *storage.DB, family uri.Family) *Session {
	return &Session{db: db, family: family}
}

// Close closes the pool.
func (s *Session) Close() error { return s.db.Close() }

// Extract streams the rows of res.SourceTable.
func (s *Session) Extract(ctx context.Context, res directive.Resource, f *cursor.Filter) iter.Seq2[records.Record, error] {
	return func(yield func(records.Record, error) bool) {
		fail := func(err error) {
			yield(nil, ferryerr.Phase(ferryerr.KindExtract, string(s.family), res.SourceTable, err))
		}

		q, args := Query(s.db.Dialect, res.SourceTable, f)
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			fail(fmt.Errorf("query %s: %w", res.SourceTable, err))
			return
		}
		defer rows.Close()

		cols, err := rows.ColumnTypes()
		if err != nil {
			fail(fmt.Errorf("columns of %s: %w", res.SourceTable, err))
			return
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		for rows.Next() {
			if err := rows.Scan(ptrs...); err != nil {
				fail(fmt.Errorf("scan %s: %w", res.SourceTable, err))
				return
			}
			rec := make(records.Record, len(cols))
			for i, c := range cols {
				rec[c.Name()] = Native(vals[i], c.DatabaseTypeName())
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			fail(fmt.Errorf("read %s: %w", res.SourceTable, err))
		}
	}
}

// Query renders the SELECT for table. A dotted table name is split into
// schema and table.
func Query(d *dialect.Dialect, table string, f *cursor.Filter) (string, []any) {
	parts := strings.Split(table, ".")
	for i, p := range parts {
		parts[i] = d.Quote(p)
	}
	var b strings.Builder
	b.WriteString("SELECT * FROM ")
	b.WriteString(strings.Join(parts, "."))
	if !f.Active() {
		return b.String(), nil
	}

	col := d.Quote(f.Column)
	var (
		conds []string
		args  []any
	)
	bound := func(v any, closedOp, openOp string, closed bool) {
		if v == nil {
			return
		}
		v, ok := pushdown(d, v)
		if !ok {
			return
		}
		op := openOp
		if closed {
			op = closedOp
		}
		args = append(args, v)
		conds = append(conds, col+" "+op+" "+d.Placeholder(len(args)))
	}
	bound(f.Start, ">=", ">", f.StartClosed)
	bound(f.End, "<=", "<", f.EndClosed)
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(col)
	return b.String(), args
}

// pushdown returns v as the database should compare it, or false when the
// database may order it differently from cursor.Compare. Numbers and
// timestamps are pushed; plain strings are not, since collations differ.
func pushdown(d *dialect.Dialect, v any) (any, bool) {
	switch t := v.(type) {
	case int64, float64:
		return t, true
	}
	if ts, ok := cursor.Time(v); ok && d.BindValue == nil {
		return ts, true
	}
	return nil, false
}

// Native converts a scanned driver value to the types ferry infers from.
func Native(v any, dbType string) any {
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		if binaryType(dbType) {
			return append([]byte(nil), t...)
		}
		return numericOrText(string(t), dbType)
	case string:
		return numericOrText(t, dbType)
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
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
	}
	return v
}

func binaryType(dbType string) bool {
	switch strings.ToUpper(dbType) {
	case "BLOB", "BYTEA", "BINARY", "VARBINARY", "LONGBLOB", "MEDIUMBLOB", "TINYBLOB", "IMAGE", "VARBYTE", "BYTES":
		return true
	}
	return false
}

// numericOrText parses DECIMAL/NUMERIC columns, which drivers return as text.
func numericOrText(s, dbType string) any {
	switch strings.ToUpper(dbType) {
	case "DECIMAL", "NUMERIC", "NUMBER", "MONEY":
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return s
}
