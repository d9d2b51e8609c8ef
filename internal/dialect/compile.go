package dialect

import (
	"fmt"
	"strings"

	"github.com/smalldata-ai/ferry-sub000/internal/plan"
)

// Compile renders op of p. StageWrite is not compiled: destinations write
// staged rows with their bulk path.
func (d *Dialect) Compile(p plan.Plan, op plan.Op) ([]Stmt, error) {
	ds := p.Dataset
	target := d.Qualify(ds, op.Table)

	switch op.Kind {
	case plan.OpCreateSchema:
		if d.CreateSchema == "" {
			return nil, nil
		}
		r := strings.NewReplacer("{schema}", d.Quote(op.Table), "{raw}", strings.ReplaceAll(op.Table, "'", "''"))
		return []Stmt{{SQL: r.Replace(d.CreateSchema)}}, nil

	case plan.OpCreateTable, plan.OpCreateStaging:
		cols := op.Columns
		st, err := d.BuildCreateTableSQL(d.TableDef(ds, op.Table, cols), op.IfExists)
		if err != nil {
			return nil, err
		}
		return []Stmt{st}, nil

	case plan.OpDropTable:
		return []Stmt{d.dropTable(ds, op.Table, op.IfExists)}, nil

	case plan.OpTruncate:
		return []Stmt{{SQL: d.Truncate + " " + target}}, nil

	case plan.OpRename:
		return []Stmt{d.rename(ds, op.Source, op.Table)}, nil

	case plan.OpAddColumns:
		out := make([]Stmt, 0, len(op.Columns))
		for _, c := range op.Columns {
			out = append(out, Stmt{SQL: fmt.Sprintf(d.AddColumn, target, d.Quote(c.Name), d.nullable(d.ColumnType(c.DataType)))})
		}
		return out, nil

	case plan.OpDeleteMatching:
		return []Stmt{d.deleteMatching(ds, op)}, nil

	case plan.OpInsertFromStaging:
		return []Stmt{d.insertFromStaging(ds, op)}, nil

	case plan.OpUpdateFromStaging:
		st, ok := d.updateFromStaging(ds, op)
		if !ok {
			return nil, nil
		}
		return []Stmt{st}, nil

	case plan.OpSCD2Retire:
		return []Stmt{d.scd2Retire(ds, op)}, nil

	case plan.OpSCD2Insert:
		return []Stmt{d.scd2Insert(ds, op)}, nil

	case plan.OpStageWrite:
		return nil, fmt.Errorf("%s: stage_write is executed by the destination", d.Name)
	}
	return nil, fmt.Errorf("%s: unsupported op %s", d.Name, op.Kind)
}

func (d *Dialect) nullable(typ string) string {
	if d.NullableType != "" {
		return fmt.Sprintf(d.NullableType, typ)
	}
	return typ
}

func (d *Dialect) dropTable(ds, table string, ifExists bool) Stmt {
	fqn := d.Qualify(ds, table)
	if !ifExists {
		return Stmt{SQL: "DROP TABLE " + fqn}
	}
	if d.DropIfExists {
		return Stmt{SQL: "DROP TABLE IF EXISTS " + fqn}
	}
	return Stmt{SQL: "DROP TABLE " + fqn, Guard: d.tableGuard(ds, table, true)}
}

func (d *Dialect) rename(ds, from, to string) Stmt {
	src := d.Qualify(ds, from)
	switch d.Rename {
	case RenameAlterQualified:
		return Stmt{SQL: fmt.Sprintf("ALTER TABLE %s RENAME TO %s", src, d.Qualify(ds, to))}
	case RenameTable:
		return Stmt{SQL: fmt.Sprintf("RENAME TABLE %s TO %s", src, d.Qualify(ds, to))}
	case RenameTableShort:
		return Stmt{SQL: fmt.Sprintf("RENAME TABLE %s TO %s", src, d.Quote(to))}
	case RenameProcedure:
		obj := from
		if ds != "" {
			obj = ds + "." + from
		}
		return Stmt{SQL: fmt.Sprintf("EXEC sp_rename N'%s', N'%s'", strings.ReplaceAll(obj, "'", "''"), strings.ReplaceAll(to, "'", "''"))}
	default:
		return Stmt{SQL: fmt.Sprintf("ALTER TABLE %s RENAME TO %s", src, d.Quote(to))}
	}
}

// match renders "<left>.k = <right>.k AND ..." for keys.
func (d *Dialect) match(left, right string, keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		q := d.Quote(k)
		parts[i] = fmt.Sprintf("%s.%s = %s.%s", left, q, right, q)
	}
	return strings.Join(parts, " AND ")
}

func (d *Dialect) tuple(alias string, keys []string) string {
	if len(keys) == 1 {
		if alias == "" {
			return d.Quote(keys[0])
		}
		return alias + "." + d.Quote(keys[0])
	}
	return "(" + d.columnList(alias, keys) + ")"
}

func (d *Dialect) notDeleted(alias string) string {
	return fmt.Sprintf("%s.%s = %s", alias, d.Quote(plan.DeletedColumn), d.False)
}

func (d *Dialect) deleteMatching(ds string, op plan.Op) Stmt {
	target := d.Qualify(ds, op.Table)
	staging := d.Qualify(ds, op.Source)
	var only string
	if op.OnlyDeleted {
		only = fmt.Sprintf(" AND s.%s <> %s", d.Quote(plan.DeletedColumn), d.False)
	}
	if d.TupleIn {
		where := ""
		if op.OnlyDeleted {
			where = fmt.Sprintf(" WHERE s.%s <> %s", d.Quote(plan.DeletedColumn), d.False)
		}
		return Stmt{SQL: fmt.Sprintf("DELETE FROM %s WHERE %s IN (SELECT %s FROM %s AS s%s)",
			target, d.tuple("", op.Keys), d.columnList("s", op.Keys), staging, where)}
	}
	return Stmt{SQL: fmt.Sprintf("DELETE FROM %s WHERE EXISTS (SELECT 1 FROM %s AS s WHERE %s%s)",
		target, staging, d.match("s", target, op.Keys), only)}
}

func (d *Dialect) insertFromStaging(ds string, op plan.Op) Stmt {
	target := d.Qualify(ds, op.Table)
	staging := d.Qualify(ds, op.Source)
	names := columnNames(op)
	var conds []string
	if op.SkipDeleted {
		conds = append(conds, d.notDeleted("s"))
	}
	if op.NotExists && len(op.Keys) > 0 {
		if d.TupleIn {
			conds = append(conds, fmt.Sprintf("%s NOT IN (SELECT %s FROM %s)", d.tuple("s", op.Keys), d.columnList("", op.Keys), target))
		} else {
			conds = append(conds, fmt.Sprintf("NOT EXISTS (SELECT 1 FROM %s WHERE %s)", target, d.match(target, "s", op.Keys)))
		}
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s AS s", target, d.columnList("", names), d.columnList("s", names), staging)
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	return Stmt{SQL: sql}
}

func (d *Dialect) updateFromStaging(ds string, op plan.Op) (Stmt, bool) {
	target := d.Qualify(ds, op.Table)
	staging := d.Qualify(ds, op.Source)
	keys := map[string]bool{}
	for _, k := range op.Keys {
		keys[k] = true
	}
	var sets []string
	for _, c := range columnNames(op) {
		if keys[c] {
			continue
		}
		sets = append(sets, c)
	}
	if len(sets) == 0 {
		return Stmt{}, false
	}
	assign := func(qualify string) string {
		parts := make([]string, len(sets))
		for i, c := range sets {
			lhs := d.Quote(c)
			if qualify != "" {
				lhs = qualify + "." + lhs
			}
			parts[i] = fmt.Sprintf("%s = s.%s", lhs, d.Quote(c))
		}
		return strings.Join(parts, ", ")
	}
	extra := ""
	if op.SkipDeleted {
		extra = " AND " + d.notDeleted("s")
	}
	on := d.match(target, "s", op.Keys)

	switch d.Update {
	case UpdateJoin:
		sql := fmt.Sprintf("UPDATE %s JOIN %s AS s ON %s SET %s", target, staging, on, assign(target))
		if op.SkipDeleted {
			sql += " WHERE " + d.notDeleted("s")
		}
		return Stmt{SQL: sql}, true
	case UpdateFromJoin:
		sql := fmt.Sprintf("UPDATE %s SET %s FROM %s JOIN %s AS s ON %s", target, assign(""), target, staging, on)
		if op.SkipDeleted {
			sql += " WHERE " + d.notDeleted("s")
		}
		return Stmt{SQL: sql}, true
	case UpdateFrom:
		return Stmt{SQL: fmt.Sprintf("UPDATE %s SET %s FROM %s AS s WHERE %s%s", target, assign(""), staging, on, extra)}, true
	}
	return Stmt{}, false
}

func (d *Dialect) scd2Retire(ds string, op plan.Op) Stmt {
	sc := op.SCD2
	target := d.Qualify(ds, op.Table)
	staging := d.Qualify(ds, op.Source)
	to := d.Quote(sc.ValidTo)
	hash := d.Quote(sc.HashColumn)
	args := []any{timeArg(d, sc.Boundary), timeArg(d, sc.Active)}

	if d.MutationUpdate {
		sql := fmt.Sprintf("ALTER TABLE %s UPDATE %s = %s WHERE %s = %s AND %s NOT IN (SELECT %s FROM %s)",
			target, to, d.Placeholder(1), to, d.Placeholder(2), hash, hash, staging)
		if len(sc.ScopeKeys) > 0 {
			sql += fmt.Sprintf(" AND %s IN (SELECT %s FROM %s)", d.tuple("", sc.ScopeKeys), d.columnList("", sc.ScopeKeys), staging)
		}
		// The staging table is dropped right after; wait for every replica.
		sql += " SETTINGS mutations_sync = 2"
		return Stmt{SQL: sql, Args: args}
	}

	sql := fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s.%s = %s AND NOT EXISTS (SELECT 1 FROM %s AS s WHERE s.%s = %s.%s)",
		target, to, d.Placeholder(1), target, to, d.Placeholder(2), staging, hash, target, hash)
	if len(sc.ScopeKeys) > 0 {
		sql += fmt.Sprintf(" AND EXISTS (SELECT 1 FROM %s AS s WHERE %s)", staging, d.match("s", target, sc.ScopeKeys))
	}
	return Stmt{SQL: sql, Args: args}
}

func (d *Dialect) scd2Insert(ds string, op plan.Op) Stmt {
	sc := op.SCD2
	target := d.Qualify(ds, op.Table)
	staging := d.Qualify(ds, op.Source)
	names := columnNames(op)
	hash := d.Quote(sc.HashColumn)
	to := d.Quote(sc.ValidTo)
	head := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s AS s", target, d.columnList("", names), d.columnList("s", names), staging)
	if d.TupleIn {
		return Stmt{
			SQL:  fmt.Sprintf("%s WHERE s.%s NOT IN (SELECT %s FROM %s WHERE %s = %s)", head, hash, hash, target, to, d.Placeholder(1)),
			Args: []any{timeArg(d, sc.Active)},
		}
	}
	return Stmt{
		SQL: fmt.Sprintf("%s WHERE NOT EXISTS (SELECT 1 FROM %s WHERE %s.%s = s.%s AND %s.%s = %s)",
			head, target, target, hash, hash, target, to, d.Placeholder(1)),
		Args: []any{timeArg(d, sc.Active)},
	}
}

func columnNames(op plan.Op) []string {
	out := make([]string, len(op.Columns))
	for i, c := range op.Columns {
		out[i] = c.Name
	}
	return out
}
