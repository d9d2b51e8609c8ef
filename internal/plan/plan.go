// Package plan turns a resource's write disposition into an ordered list of
// logical operations. Plans are pure data: destinations compile and run them.
package plan

import (
	"fmt"
	"time"

	"github.com/smalldata-ai/ferry-sub000/internal/schema"
)

// OpKind names a logical destination operation.
type OpKind string

const (
	OpCreateSchema      OpKind = "create_schema"
	OpCreateTable       OpKind = "create_table"
	OpCreateStaging     OpKind = "create_staging"
	OpDropTable         OpKind = "drop_table"
	OpTruncate          OpKind = "truncate"
	OpStageWrite        OpKind = "stage_write"
	OpRename            OpKind = "rename"
	OpDeleteMatching    OpKind = "delete_matching"
	OpInsertFromStaging OpKind = "insert_from_staging"
	OpUpdateFromStaging OpKind = "update_from_staging"
	OpSCD2Retire        OpKind = "scd2_retire"
	OpSCD2Insert        OpKind = "scd2_insert"
	OpAddColumns        OpKind = "add_columns"
)

// DeletedColumn is the staging-only flag set on rows whose hard-delete
// column is truthy.
const DeletedColumn = "_ferry_deleted"

// Op is one logical operation. Table is always the table acted on; Source is
// the staging table read by *FromStaging ops and the old name for Rename.
type Op struct {
	Kind    OpKind
	Table   string
	Source  string
	Columns []schema.Column

	// IfExists makes create and drop tolerant of existing / missing tables.
	IfExists bool

	// Keys join staging rows to live rows.
	Keys []string
	// NotExists restricts InsertFromStaging to rows without a live match on Keys.
	NotExists bool
	// OnlyDeleted restricts DeleteMatching to staged rows flagged deleted;
	// SkipDeleted excludes them from inserts and updates.
	OnlyDeleted bool
	SkipDeleted bool

	Stage *Stage
	SCD2  *SCD2
}

// Stage describes how rows are prepared before they are written.
type Stage struct {
	Dedup *Dedup
	// HardDelete is the source column whose truthy values mark deletes.
	HardDelete string
	// ValidFrom and ValidTo are filled for SCD2 loads.
	ValidFrom   string
	ValidTo     string
	BoundaryTS  time.Time
	KeepSource  bool
	ActiveUntil time.Time
}

// Dedup keeps one row per Keys value.
type Dedup struct {
	Keys       []string
	SortColumn string
	Desc       bool
}

// SCD2 carries the validity columns used by retire and insert.
type SCD2 struct {
	HashColumn string
	ValidTo    string
	// Active is the valid_to value of open rows.
	Active time.Time
	// Boundary closes retired rows.
	Boundary time.Time
	// ScopeKeys restrict retirement to live rows whose key was staged.
	ScopeKeys []string
}

// Plan is the ordered operation list for one resource.
type Plan struct {
	Dataset string
	Table   string
	Staging string
	// LoadID names the files written by file destinations.
	LoadID string
	// Target is the live table's shape after the plan ran; rows handed to
	// StageWrite are aligned to it.
	Target schema.Table
	Ops    []Op
	// Atomic plans run in one transaction.
	Atomic bool
	// Compensate runs, best effort, when a non-atomic plan fails.
	Compensate []Op
}

// Result reports row counts of an applied plan.
type Result struct {
	Staged   int64
	Inserted int64
	Updated  int64
	Deleted  int64
	Retired  int64
}

// Add accumulates o into r.
func (r *Result) Add(o Result) {
	r.Staged += o.Staged
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.Deleted += o.Deleted
	r.Retired += o.Retired
}

// StagingColumns are the columns of the table StageWrite fills for op.
func (op Op) StagingColumns() []schema.Column {
	cols := append([]schema.Column(nil), op.Columns...)
	if op.Stage != nil && op.Stage.HardDelete != "" {
		cols = append(cols, schema.Column{Name: DeletedColumn, DataType: schema.TypeBool, Nullable: true})
	}
	return cols
}

func (op Op) String() string {
	if op.Source != "" {
		return fmt.Sprintf("%s(%s <- %s)", op.Kind, op.Table, op.Source)
	}
	return fmt.Sprintf("%s(%s)", op.Kind, op.Table)
}
