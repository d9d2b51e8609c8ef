package plan

import (
	"time"

	"github.com/smalldata-ai/ferry-sub000/internal/directive"
	"github.com/smalldata-ai/ferry-sub000/internal/ferryerr"
	"github.com/smalldata-ai/ferry-sub000/internal/schema"
)

// Capabilities describe what a destination can execute.
type Capabilities struct {
	// SQL destinations run every op kind; others only replace and append.
	SQL bool
	// Schemas reports whether tables live in a named schema/dataset.
	Schemas bool
	// TransactionalDDL allows DDL and DML of one plan in one transaction.
	TransactionalDDL bool
	Rename           bool
	// UpdateFrom allows UPDATE joined with the staging table.
	UpdateFrom bool
}

// Staging table suffixes.
const (
	StagingSuffix    = "__ferry_staging"
	PersistentSuffix = "__staging"
)

// Input is everything a planner needs. Table is the schema observed in
// this load; Known is the live table recorded by earlier loads, nil when
// the table was never loaded.
type Input struct {
	Resource directive.Resource
	Dataset  string
	Table    schema.Table
	Known    *schema.Table
	Caps     Capabilities
	LoadTS   time.Time
	LoadID   string
}

// Build returns the plan for in. It is deterministic.
func Build(in Input) (Plan, error) {
	table := in.Table.Name
	if table == "" {
		return Plan{}, ferryerr.Newf(ferryerr.KindFatal, "plan: table name is empty")
	}
	if len(in.Table.Columns) == 0 {
		return Plan{}, ferryerr.Newf(ferryerr.KindFatal, "plan: table %s has no columns", table)
	}

	var (
		p   Plan
		err error
	)
	if !in.Caps.SQL {
		p, err = buildFiles(in)
	} else {
		switch d := in.Resource.Disposition.(type) {
		case directive.Replace:
			p, err = buildReplace(in, d)
		case directive.Append:
			p = buildAppend(in)
		case directive.Merge:
			p, err = buildMerge(in, d)
		default:
			err = ferryerr.Newf(ferryerr.KindFatal, "plan: unknown disposition %T", in.Resource.Disposition)
		}
	}
	if err != nil {
		return Plan{}, err
	}
	p.Dataset = in.Dataset
	p.Table = table
	p.LoadID = in.LoadID
	if in.Dataset != "" && in.Caps.Schemas && in.Caps.SQL {
		p.Ops = append([]Op{{Kind: OpCreateSchema, Table: in.Dataset}}, p.Ops...)
	}
	if err := p.check(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

func buildFiles(in Input) (Plan, error) {
	t := in.Table
	switch d := in.Resource.Disposition.(type) {
	case directive.Replace:
		return Plan{Target: t, Ops: []Op{
			{Kind: OpDropTable, Table: t.Name, IfExists: true},
			{Kind: OpStageWrite, Table: t.Name, Columns: t.Columns},
		}}, nil
	case directive.Append:
		target, _ := schema.Evolve(in.Known, t)
		return Plan{Target: target, Ops: []Op{
			{Kind: OpStageWrite, Table: t.Name, Columns: target.Columns},
		}}, nil
	default:
		ve := &ferryerr.ValidationError{}
		ve.Addf("write_disposition", "%s is not supported by file destinations", d.Kind())
		return Plan{}, ve
	}
}

// evolve returns the live shape plus the ops that bring an existing table to it.
func evolve(in Input) (schema.Table, []Op) {
	target, added := schema.Evolve(in.Known, in.Table)
	ops := []Op{{Kind: OpCreateTable, Table: target.Name, Columns: target.Columns, IfExists: true}}
	if len(added) > 0 {
		ops = append(ops, Op{Kind: OpAddColumns, Table: target.Name, Columns: added})
	}
	return target, ops
}

func buildReplace(in Input, d directive.Replace) (Plan, error) {
	t := in.Table
	switch d.Strategy {
	case directive.TruncateAndInsert, "":
		target, ops := evolve(in)
		ops = append(ops,
			Op{Kind: OpTruncate, Table: t.Name},
			Op{Kind: OpStageWrite, Table: t.Name, Columns: target.Columns},
		)
		return Plan{Target: target, Ops: ops, Atomic: in.Caps.TransactionalDDL}, nil

	case directive.InsertFromStaging:
		staging := t.Name + StagingSuffix
		ops := []Op{
			{Kind: OpDropTable, Table: staging, IfExists: true},
			{Kind: OpCreateStaging, Table: staging, Columns: t.Columns},
			{Kind: OpStageWrite, Table: staging, Columns: t.Columns},
		}
		if in.Caps.Rename {
			ops = append(ops,
				Op{Kind: OpDropTable, Table: t.Name, IfExists: true},
				Op{Kind: OpRename, Table: t.Name, Source: staging},
			)
		} else {
			ops = append(ops,
				Op{Kind: OpDropTable, Table: t.Name, IfExists: true},
				Op{Kind: OpCreateTable, Table: t.Name, Columns: t.Columns},
				Op{Kind: OpInsertFromStaging, Table: t.Name, Source: staging, Columns: t.Columns},
				Op{Kind: OpDropTable, Table: staging, IfExists: true},
			)
		}
		return Plan{
			Target:     t,
			Staging:    staging,
			Ops:        ops,
			Atomic:     in.Caps.TransactionalDDL,
			Compensate: []Op{{Kind: OpDropTable, Table: staging, IfExists: true}},
		}, nil

	case directive.StagingOptimized:
		staging := t.Name + PersistentSuffix
		var ops []Op
		if in.Known != nil && sameShape(*in.Known, t) {
			// Reuse the persistent staging table and the live table as-is.
			ops = []Op{
				{Kind: OpCreateStaging, Table: staging, Columns: t.Columns, IfExists: true},
				{Kind: OpTruncate, Table: staging},
				{Kind: OpStageWrite, Table: staging, Columns: t.Columns},
				{Kind: OpCreateTable, Table: t.Name, Columns: t.Columns, IfExists: true},
				{Kind: OpTruncate, Table: t.Name},
			}
		} else {
			ops = []Op{
				{Kind: OpDropTable, Table: staging, IfExists: true},
				{Kind: OpCreateStaging, Table: staging, Columns: t.Columns},
				{Kind: OpStageWrite, Table: staging, Columns: t.Columns},
				{Kind: OpDropTable, Table: t.Name, IfExists: true},
				{Kind: OpCreateTable, Table: t.Name, Columns: t.Columns},
			}
		}
		ops = append(ops, Op{Kind: OpInsertFromStaging, Table: t.Name, Source: staging, Columns: t.Columns})
		return Plan{Target: t, Staging: staging, Ops: ops, Atomic: in.Caps.TransactionalDDL}, nil
	}
	return Plan{}, ferryerr.Newf(ferryerr.KindFatal, "plan: unknown replace strategy %q", d.Strategy)
}

func buildAppend(in Input) Plan {
	target, ops := evolve(in)
	ops = append(ops, Op{Kind: OpStageWrite, Table: target.Name, Columns: target.Columns})
	return Plan{Target: target, Ops: ops, Atomic: in.Caps.TransactionalDDL}
}

func buildMerge(in Input, m directive.Merge) (Plan, error) {
	switch m.Strategy {
	case directive.DeleteInsert, "":
		if m.DeleteInsert == nil {
			return Plan{}, ferryerr.Newf(ferryerr.KindFatal, "plan: delete-insert without config")
		}
		return buildDeleteInsert(in, *m.DeleteInsert), nil
	case directive.Upsert:
		if m.Upsert == nil {
			return Plan{}, ferryerr.Newf(ferryerr.KindFatal, "plan: upsert without config")
		}
		return buildUpsert(in, *m.Upsert), nil
	case directive.SCD2:
		if m.SCD2 == nil {
			return Plan{}, ferryerr.Newf(ferryerr.KindFatal, "plan: scd2 without config")
		}
		return buildSCD2(in, *m.SCD2), nil
	}
	return Plan{}, ferryerr.Newf(ferryerr.KindFatal, "plan: unknown merge strategy %q", m.Strategy)
}

// stagedMerge wraps the merge body with the staging table lifecycle.
func stagedMerge(in Input, target schema.Table, prelude []Op, stage *Stage, body ...Op) Plan {
	staging := target.Name + StagingSuffix
	write := Op{Kind: OpStageWrite, Table: staging, Columns: target.Columns, Stage: stage}
	ops := append([]Op{{Kind: OpDropTable, Table: staging, IfExists: true}}, prelude...)
	ops = append(ops,
		Op{Kind: OpCreateStaging, Table: staging, Columns: write.StagingColumns()},
		write,
	)
	for _, op := range body {
		op.Source = staging
		ops = append(ops, op)
	}
	ops = append(ops, Op{Kind: OpDropTable, Table: staging, IfExists: true})
	return Plan{
		Target:     target,
		Staging:    staging,
		Ops:        ops,
		Atomic:     in.Caps.TransactionalDDL,
		Compensate: []Op{{Kind: OpDropTable, Table: staging, IfExists: true}},
	}
}

func buildDeleteInsert(in Input, c directive.DeleteInsertConfig) Plan {
	target, prelude := evolve(markKeys(in, c.PrimaryKey, c.MergeKey))
	stage := &Stage{HardDelete: normalizeName(c.HardDeleteColumn)}
	if pk := normalizeNames(c.PrimaryKey); len(pk) > 0 {
		stage.Dedup = &Dedup{Keys: pk}
		if c.DedupSort != nil && c.DedupSort.Column != "" {
			stage.Dedup.SortColumn = normalizeName(c.DedupSort.Column)
			stage.Dedup.Desc = c.DedupSort.Order != directive.Asc
		}
	}
	keys := normalizeNames(c.DeleteKey())
	hard := stage.HardDelete != ""
	return stagedMerge(in, target, prelude, stage,
		Op{Kind: OpDeleteMatching, Table: target.Name, Keys: keys},
		Op{Kind: OpInsertFromStaging, Table: target.Name, Columns: target.Columns, SkipDeleted: hard},
	)
}

func buildUpsert(in Input, c directive.UpsertConfig) Plan {
	target, prelude := evolve(markKeys(in, c.PrimaryKey, nil))
	pk := normalizeNames(c.PrimaryKey)
	stage := &Stage{HardDelete: normalizeName(c.HardDeleteColumn), Dedup: &Dedup{Keys: pk}}
	hard := stage.HardDelete != ""

	var body []Op
	if in.Caps.UpdateFrom {
		if hard {
			body = append(body, Op{Kind: OpDeleteMatching, Table: target.Name, Keys: pk, OnlyDeleted: true})
		}
		body = append(body,
			Op{Kind: OpUpdateFromStaging, Table: target.Name, Columns: target.Columns, Keys: pk, SkipDeleted: hard},
			Op{Kind: OpInsertFromStaging, Table: target.Name, Columns: target.Columns, Keys: pk, NotExists: true, SkipDeleted: hard},
		)
	} else {
		body = append(body,
			Op{Kind: OpDeleteMatching, Table: target.Name, Keys: pk},
			Op{Kind: OpInsertFromStaging, Table: target.Name, Columns: target.Columns, SkipDeleted: hard},
		)
	}
	return stagedMerge(in, target, prelude, stage, body...)
}

func buildSCD2(in Input, c directive.SCD2Config) Plan {
	obs := in.Table
	from, to := normalizeName(c.ValidFromColumn), normalizeName(c.ValidToColumn)
	var cols []schema.Column
	for _, col := range obs.Columns {
		if col.Name != from && col.Name != to {
			cols = append(cols, col)
		}
	}
	cols = append(cols,
		schema.Column{Name: from, DataType: schema.TypeTimestamp, Nullable: true},
		schema.Column{Name: to, DataType: schema.TypeTimestamp, Nullable: true},
	)
	if _, ok := obs.Column(schema.ColumnRowHash); !ok {
		cols = append(cols, schema.Column{Name: schema.ColumnRowHash, DataType: schema.TypeText, Nullable: true})
	}
	obs.Columns = cols
	in.Table = obs

	scope := normalizeNames(c.RetireKey())
	target, prelude := evolve(markKeys(in, nil, scope))
	stage := &Stage{
		Dedup:       &Dedup{Keys: []string{schema.ColumnRowHash}},
		ValidFrom:   from,
		ValidTo:     to,
		BoundaryTS:  in.LoadTS,
		KeepSource:  !c.UseBoundaryTimestamp,
		ActiveUntil: c.ActiveRecordTimestamp,
	}
	spec := &SCD2{
		HashColumn: schema.ColumnRowHash,
		ValidTo:    to,
		Active:     c.ActiveRecordTimestamp,
		Boundary:   in.LoadTS,
		ScopeKeys:  scope,
	}
	return stagedMerge(in, target, prelude, stage,
		Op{Kind: OpSCD2Retire, Table: target.Name, SCD2: spec},
		Op{Kind: OpSCD2Insert, Table: target.Name, Columns: target.Columns, SCD2: spec},
	)
}

func markKeys(in Input, primary, merge []string) Input {
	cursor := ""
	if in.Resource.Incremental != nil {
		cursor = normalizeName(in.Resource.Incremental.Column)
	}
	t := in.Table
	t.Columns = append([]schema.Column(nil), t.Columns...)
	t.MarkKeys(normalizeNames(primary), normalizeNames(merge), cursor)
	in.Table = t
	return in
}

func sameShape(a, b schema.Table) bool {
	if len(a.Columns) != len(b.Columns) {
		return false
	}
	for i := range a.Columns {
		if a.Columns[i].Name != b.Columns[i].Name || a.Columns[i].DataType != b.Columns[i].DataType {
			return false
		}
	}
	return true
}

func normalizeName(s string) string {
	if s == "" {
		return ""
	}
	return schema.NormalizeIdentifier(s)
}

func normalizeNames(xs []string) []string {
	if len(xs) == 0 {
		return nil
	}
	out := make([]string, len(xs))
	for i, x := range xs {
		out[i] = schema.NormalizeIdentifier(x)
	}
	return out
}

// check rejects plans whose ops reference columns the target does not have.
func (p Plan) check() error {
	has := func(name string) bool {
		_, ok := p.Target.Column(name)
		return ok || name == DeletedColumn
	}
	for _, op := range p.Ops {
		for _, k := range op.Keys {
			if !has(k) {
				return ferryerr.Newf(ferryerr.KindFatal, "plan: %s key %q is not a column of %s", op.Kind, k, p.Table)
			}
		}
		if op.SCD2 != nil {
			for _, k := range op.SCD2.ScopeKeys {
				if !has(k) {
					return ferryerr.Newf(ferryerr.KindFatal, "plan: scd2 key %q is not a column of %s", k, p.Table)
				}
			}
		}
		if op.Stage != nil {
			if hd := op.Stage.HardDelete; hd != "" && !has(hd) {
				return ferryerr.Newf(ferryerr.KindFatal, "plan: hard delete column %q is not a column of %s", hd, p.Table)
			}
			if d := op.Stage.Dedup; d != nil && d.SortColumn != "" && !has(d.SortColumn) {
				return ferryerr.Newf(ferryerr.KindFatal, "plan: dedup sort column %q is not a column of %s", d.SortColumn, p.Table)
			}
		}
	}
	return nil
}

// Describe renders the op list for logs and traces.
func (p Plan) Describe() []string {
	out := make([]string, len(p.Ops))
	for i, op := range p.Ops {
		out[i] = op.String()
	}
	return out
}
