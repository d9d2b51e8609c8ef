// Package dialect compiles logical plan operations into the SQL of each
// supported destination engine.
package dialect

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/smalldata-ai/ferry-sub000/internal/plan"
	"github.com/smalldata-ai/ferry-sub000/internal/schema"
)

// Stmt is one SQL statement with positional arguments. A statement with a
// Guard only runs when the guard query agrees.
type Stmt struct {
	SQL   string
	Args  []any
	Guard *Guard
}

// Guard is a COUNT query; the guarded statement runs when the count being
// non-zero equals Exists.
type Guard struct {
	SQL    string
	Args   []any
	Exists bool
}

// CreateStyle is how a dialect creates a table only when absent.
type CreateStyle int

const (
	CreateIfNotExists CreateStyle = iota
	CreateObjectID                // IF OBJECT_ID(...) IS NULL
	CreateGuarded                 // catalog query before the statement
)

// RenameStyle is how a dialect renames a table.
type RenameStyle int

const (
	RenameAlter          RenameStyle = iota // ALTER TABLE a RENAME TO b
	RenameAlterQualified                    // ALTER TABLE a RENAME TO schema.b
	RenameTable                             // RENAME TABLE a TO schema.b
	RenameTableShort                        // RENAME TABLE a TO b
	RenameProcedure                         // EXEC sp_rename
)

// UpdateStyle is how a dialect updates rows from a joined table.
type UpdateStyle int

const (
	UpdateNone    UpdateStyle = iota
	UpdateFrom                // UPDATE t SET .. FROM s WHERE
	UpdateJoin                // UPDATE t JOIN s ON .. SET
	UpdateFromJoin            // UPDATE t SET .. FROM t JOIN s ON
)

// Dialect describes one SQL engine. Dialects are values configured in
// dialects.go and looked up by name.
type Dialect struct {
	Name string

	QuoteOpen, QuoteClose string
	Types                 map[schema.DataType]string
	// NullableType wraps nullable column types, e.g. "Nullable(%s)".
	NullableType string
	// TableSuffix follows the column list of CREATE TABLE.
	TableSuffix string

	// Placeholder renders the i-th (1-based) bind parameter.
	Placeholder func(i int) string
	// MaxParams bounds the parameters of one multi-row INSERT.
	MaxParams int

	// CreateSchema is a template with {schema} (quoted) and {raw}
	// placeholders; empty when the dialect has no schemas.
	CreateSchema string
	Create       CreateStyle
	DropIfExists bool
	// Truncate is the statement prefix emptying a table.
	Truncate string
	Rename   RenameStyle
	Update   UpdateStyle
	AddColumn        string
	False            string
	TransactionalDDL bool
	// TupleIn uses IN subqueries instead of correlated EXISTS.
	TupleIn bool
	// MutationUpdate uses ALTER TABLE t UPDATE (ClickHouse).
	MutationUpdate bool
	// NoTransactions marks engines without multi-statement DML
	// transactions.
	NoTransactions bool

	// BindValue converts a coerced value for the driver.
	BindValue func(v any, dt schema.DataType) any
}

// Quote quotes one identifier.
func (d *Dialect) Quote(id string) string {
	esc := strings.ReplaceAll(id, d.QuoteClose, d.QuoteClose+d.QuoteClose)
	return d.QuoteOpen + esc + d.QuoteClose
}

// Qualify returns the quoted, schema-qualified table name.
func (d *Dialect) Qualify(dataset, table string) string {
	if dataset == "" {
		return d.Quote(table)
	}
	return d.Quote(dataset) + "." + d.Quote(table)
}

// Bind converts v for the driver.
func (d *Dialect) Bind(v any, dt schema.DataType) any {
	if v == nil {
		return nil
	}
	if d.BindValue != nil {
		return d.BindValue(v, dt)
	}
	return defaultBind(v, dt)
}

func defaultBind(v any, _ schema.DataType) any {
	if dv, ok := v.(schema.Date); ok {
		return dv.Time
	}
	return v
}

// Capabilities reports what plans this dialect can run.
func (d *Dialect) Capabilities() plan.Capabilities {
	return plan.Capabilities{
		SQL:              true,
		Schemas:          d.CreateSchema != "",
		TransactionalDDL: d.TransactionalDDL,
		Rename:           true,
		UpdateFrom:       d.Update != UpdateNone,
	}
}

// InsertSQL renders a multi-row INSERT of rows rows into table.
func (d *Dialect) InsertSQL(dataset, table string, cols []string, rows int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(d.Qualify(dataset, table))
	b.WriteString(" (")
	b.WriteString(d.columnList("", cols))
	b.WriteString(") VALUES ")
	n := 0
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range cols {
			if c > 0 {
				b.WriteString(", ")
			}
			n++
			b.WriteString(d.Placeholder(n))
		}
		b.WriteByte(')')
	}
	return b.String()
}

// RowsPerInsert is the number of rows one INSERT may carry for ncols columns.
func (d *Dialect) RowsPerInsert(ncols, batch int) int {
	if ncols <= 0 {
		return batch
	}
	n := d.MaxParams / ncols
	if n < 1 {
		n = 1
	}
	if batch > 0 && batch < n {
		n = batch
	}
	return n
}

func (d *Dialect) columnList(alias string, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		if alias != "" {
			parts[i] = alias + "." + d.Quote(c)
		} else {
			parts[i] = d.Quote(c)
		}
	}
	return strings.Join(parts, ", ")
}

func (d *Dialect) tableGuard(dataset, table string, exists bool) *Guard {
	if dataset == "" {
		return &Guard{SQL: "SELECT COUNT(*) FROM SYS.TABLES WHERE SCHEMA_NAME = CURRENT_SCHEMA AND TABLE_NAME = ?", Args: []any{table}, Exists: exists}
	}
	return &Guard{SQL: "SELECT COUNT(*) FROM SYS.TABLES WHERE SCHEMA_NAME = ? AND TABLE_NAME = ?", Args: []any{dataset, table}, Exists: exists}
}

var (
	mu       sync.RWMutex
	registry = map[string]*Dialect{}
)

// Register adds d under each of names.
func Register(d *Dialect, names ...string) {
	mu.Lock()
	defer mu.Unlock()
	for _, n := range names {
		registry[strings.ToLower(n)] = d
	}
}

// Lookup returns the dialect registered for name.
func Lookup(name string) (*Dialect, bool) {
	mu.RLock()
	defer mu.RUnlock()
	d, ok := registry[strings.ToLower(name)]
	return d, ok
}

// Names lists registered names.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func timeArg(d *Dialect, t time.Time) any {
	return d.Bind(t.UTC(), schema.TypeTimestamp)
}
