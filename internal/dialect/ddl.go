package dialect

import (
	"fmt"
	"strings"

	"github.com/smalldata-ai/ferry-sub000/internal/schema"
)

// ColumnDef describes a single column of a CREATE TABLE statement.
//
// Fields:
//   - Name: logical column name (unquoted; quoting happens at render time)
//   - SQLType: dialect SQL type (e.g., TEXT, BIGINT, TIMESTAMPTZ)
//   - Nullable: whether NULL is allowed
//   - PrimaryKey: whether the column is part of the primary key
type ColumnDef struct {
	Name       string
	SQLType    string
	Nullable   bool
	PrimaryKey bool
}

// TableDef holds the qualified table name and an ordered list of columns.
type TableDef struct {
	Dataset string
	Name    string
	Columns []ColumnDef
}

// TableDef maps logical columns to this dialect's types. Primary keys are
// recorded in the schema only; live tables carry no key constraints so
// append loads of duplicate keys succeed.
func (d *Dialect) TableDef(dataset, name string, cols []schema.Column) TableDef {
	defs := make([]ColumnDef, 0, len(cols))
	for _, c := range cols {
		defs = append(defs, ColumnDef{
			Name:     c.Name,
			SQLType:  d.ColumnType(c.DataType),
			Nullable: true,
		})
	}
	return TableDef{Dataset: dataset, Name: name, Columns: defs}
}

// ColumnType returns the SQL type of dt.
func (d *Dialect) ColumnType(dt schema.DataType) string {
	if t, ok := d.Types[dt]; ok {
		return t
	}
	return d.Types[schema.TypeText]
}

// BuildCreateTableSQL renders a CREATE TABLE statement from a TableDef.
//
// Rules:
//
//   - t.Name must be non-empty and carry at least one column.
//
//   - A column is rendered as:
//
//     <Name> <SQLType> [NOT NULL]
//
//     with the type wrapped by the dialect's nullable form where it has one.
//
//   - Columns with PrimaryKey == true are collected into a trailing
//     PRIMARY KEY (<col1>, <col2>, ...) clause.
//
//   - ifAbsent adds the dialect's IF NOT EXISTS form; dialects without one
//     get a guard query instead.
func (d *Dialect) BuildCreateTableSQL(t TableDef, ifAbsent bool) (Stmt, error) {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return Stmt{}, fmt.Errorf("%s ddl: table name must not be empty", d.Name)
	}
	if len(t.Columns) == 0 {
		return Stmt{}, fmt.Errorf("%s ddl: at least one column is required", d.Name)
	}

	cols := make([]string, 0, len(t.Columns)+1)
	pks := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		cname := strings.TrimSpace(c.Name)
		if cname == "" {
			return Stmt{}, fmt.Errorf("%s ddl: column with empty name in table %s", d.Name, name)
		}
		typ := strings.TrimSpace(c.SQLType)
		if typ == "" {
			return Stmt{}, fmt.Errorf("%s ddl: column %s missing SQLType", d.Name, cname)
		}

		var sb strings.Builder
		sb.WriteString(d.Quote(cname))
		sb.WriteByte(' ')
		if c.Nullable && d.NullableType != "" {
			sb.WriteString(fmt.Sprintf(d.NullableType, typ))
		} else {
			sb.WriteString(typ)
		}
		if !c.Nullable {
			sb.WriteString(" NOT NULL")
		}
		cols = append(cols, sb.String())

		if c.PrimaryKey {
			pks = append(pks, d.Quote(cname))
		}
	}
	if len(pks) > 0 {
		cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(pks, ", ")))
	}

	fqn := d.Qualify(t.Dataset, name)
	head := "CREATE TABLE "
	var guard *Guard
	if ifAbsent {
		switch d.Create {
		case CreateIfNotExists:
			head = "CREATE TABLE IF NOT EXISTS "
		case CreateObjectID:
			head = fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE ", strings.ReplaceAll(fqn, "'", "''"))
		case CreateGuarded:
			guard = d.tableGuard(t.Dataset, name, false)
		}
	}
	stmt := fmt.Sprintf("%s%s (\n  %s\n)%s", head, fqn, strings.Join(cols, ",\n  "), d.TableSuffix)
	return Stmt{SQL: stmt, Guard: guard}, nil
}
