// Package directive models an ingestion request and its per-resource
// directives.
//
// Write dispositions are sum types: a Disposition is exactly one of Replace,
// Append or Merge, and a Merge carries exactly the sub-config its strategy
// needs. Values are produced by Parse (or checked once by Request.Validate);
// cross-field invariants hold from then on and are not re-checked by
// consumers.
package directive

import (
	"time"

	"github.com/smalldata-ai/ferry-sub000/internal/config"
)

// DispositionKind names a write disposition.
type DispositionKind string

const (
	KindReplace DispositionKind = "replace"
	KindAppend  DispositionKind = "append"
	KindMerge   DispositionKind = "merge"
)

// ReplaceStrategy selects how a replace is carried out.
type ReplaceStrategy string

const (
	TruncateAndInsert ReplaceStrategy = "truncate-and-insert"
	InsertFromStaging ReplaceStrategy = "insert-from-staging"
	StagingOptimized  ReplaceStrategy = "staging-optimized"
)

// MergeStrategy selects how a merge is carried out.
type MergeStrategy string

const (
	DeleteInsert MergeStrategy = "delete-insert"
	SCD2         MergeStrategy = "scd2"
	Upsert       MergeStrategy = "upsert"
)

// Disposition is implemented by Replace, Append and Merge only.
type Disposition interface {
	Kind() DispositionKind
	disposition()
}

// Replace rewrites the destination table with the extracted rows.
type Replace struct {
	Strategy ReplaceStrategy
}

// Append inserts extracted rows without deduplication.
type Append struct{}

// Merge combines extracted rows with existing rows. Exactly one of the
// config pointers is set, matching Strategy.
type Merge struct {
	Strategy     MergeStrategy
	DeleteInsert *DeleteInsertConfig
	SCD2         *SCD2Config
	Upsert       *UpsertConfig
}

func (Replace) Kind() DispositionKind { return KindReplace }
func (Append) Kind() DispositionKind  { return KindAppend }
func (Merge) Kind() DispositionKind   { return KindMerge }

func (Replace) disposition() {}
func (Append) disposition()  {}
func (Merge) disposition()   {}

// SortOrder orders dedup candidates.
type SortOrder string

const (
	Asc  SortOrder = "asc"
	Desc SortOrder = "desc"
)

// DedupSort picks the surviving row among staged rows sharing a primary key.
type DedupSort struct {
	Column string
	Order  SortOrder
}

// DeleteInsertConfig configures merge/delete-insert.
type DeleteInsertConfig struct {
	PrimaryKey       []string
	MergeKey         []string
	HardDeleteColumn string
	DedupSort        *DedupSort
}

// DeleteKey is the key used to match live rows: the merge key, falling back
// to the primary key.
func (c DeleteInsertConfig) DeleteKey() []string {
	if len(c.MergeKey) > 0 {
		return c.MergeKey
	}
	return c.PrimaryKey
}

// UpsertConfig configures merge/upsert.
type UpsertConfig struct {
	PrimaryKey       []string
	HardDeleteColumn string
}

// SCD2Config configures merge/scd2. At most one of NaturalMergeKey and
// PartitionMergeKey is set; with neither, each load is a full snapshot.
type SCD2Config struct {
	NaturalMergeKey       []string
	PartitionMergeKey     []string
	ValidFromColumn       string
	ValidToColumn         string
	ActiveRecordTimestamp time.Time
	UseBoundaryTimestamp  bool
}

// RetireKey is the key restricting which open rows a load may retire; nil
// means every open row is a candidate.
func (c SCD2Config) RetireKey() []string {
	if len(c.PartitionMergeKey) > 0 {
		return c.PartitionMergeKey
	}
	return c.NaturalMergeKey
}

// BoundaryMode selects inclusive/exclusive cursor bounds.
type BoundaryMode string

const (
	BoundaryDefault  BoundaryMode = ""
	BoundaryStart    BoundaryMode = "start"
	BoundaryEnd      BoundaryMode = "end"
	BoundaryStartEnd BoundaryMode = "start-end"
	BoundaryBetween  BoundaryMode = "between"
)

// Incremental is the cursor configuration of a resource. Start and End hold
// raw request values (json.Number, string or nil); the cursor package turns
// them into comparable values.
type Incremental struct {
	Column string
	Start  any
	End    any
	Lag    float64
	Mode   BoundaryMode
}

// ColumnRules lists columns dropped or hashed after extraction.
type ColumnRules struct {
	Exclude      []string
	Pseudonymize []string
}

// Empty reports whether no rule is configured.
func (r ColumnRules) Empty() bool { return len(r.Exclude) == 0 && len(r.Pseudonymize) == 0 }

// Resource is the directive for one source table.
type Resource struct {
	SourceTable      string
	DestinationTable string
	Rules            ColumnRules
	Disposition      Disposition
	Incremental      *Incremental
	SourceOptions    config.Options
}

// DestinationMeta overrides destination naming.
type DestinationMeta struct {
	TableName   string
	DatasetName string
}

// Request is one ingestion request.
type Request struct {
	Identity       string
	SourceURI      string
	DestinationURI string
	Meta           DestinationMeta
	Resources      []Resource
	FailFast       bool
}
