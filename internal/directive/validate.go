package directive

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/smalldata-ai/ferry-sub000/internal/ferryerr"
	"github.com/smalldata-ai/ferry-sub000/internal/uri"
)

// Validate checks every cross-field invariant of r. Parse calls it; callers
// constructing a Request in code must call it once before use.
func (r Request) Validate() error {
	return requestErrors(r).Err()
}

func requestErrors(r Request) *ferryerr.ValidationError {
	ve := topLevelErrors(r)
	for i, res := range r.Resources {
		ve.Merge(fmt.Sprintf("resources[%d]", i), resourceErrors(res))
	}
	return ve
}

func topLevelErrors(r Request) *ferryerr.ValidationError {
	var ve ferryerr.ValidationError

	if r.SourceURI == "" {
		ve.Add("source_uri", "must be provided")
	}
	if r.DestinationURI == "" {
		ve.Add("destination_uri", "must be provided")
	}
	if r.Identity != "" && !validIdentity(r.Identity) {
		ve.Add("identity", identityRule)
	}
	if len(r.Resources) == 0 {
		ve.Add("resources", "at least one resource is required")
	}
	if r.Meta.TableName != "" && len(r.Resources) > 1 {
		ve.Add("destination_meta.table_name", "only allowed with a single resource")
	}

	seen := map[string]int{}
	for i, res := range r.Resources {
		prefix := fmt.Sprintf("resources[%d]", i)
		dest := res.DestinationTable
		if dest == "" {
			dest = res.SourceTable
		}
		if r.Meta.TableName != "" {
			dest = r.Meta.TableName
		}
		if j, dup := seen[strings.ToLower(dest)]; dup && dest != "" {
			ve.Addf(prefix+".destination_table_name", "destination table %q is also written by resources[%d]", dest, j)
		}
		seen[strings.ToLower(dest)] = i
	}
	return &ve
}

func resourceErrors(res Resource) *ferryerr.ValidationError {
	var ve ferryerr.ValidationError

	if res.SourceTable == "" {
		ve.Add("source_table_name", "must be provided")
	}

	excluded := map[string]bool{}
	for _, c := range res.Rules.Exclude {
		excluded[c] = true
	}
	for _, c := range res.Rules.Pseudonymize {
		if excluded[c] {
			ve.Addf("column_rules", "column %q is both excluded and pseudonymized", c)
		}
	}
	protect := func(field string, cols []string) {
		for _, c := range cols {
			if excluded[c] {
				ve.Addf(field, "column %q is excluded by column_rules", c)
			}
		}
	}

	switch d := res.Disposition.(type) {
	case nil:
		ve.Add("write_disposition_config", "must be provided")
	case Replace:
		switch d.Strategy {
		case TruncateAndInsert, InsertFromStaging, StagingOptimized:
		default:
			ve.Addf("write_disposition_config.strategy", "invalid replace strategy %q", d.Strategy)
		}
	case Append:
	case Merge:
		validateMerge(&ve, d, protect)
	default:
		ve.Addf("write_disposition_config", "unsupported disposition %T", d)
	}

	if inc := res.Incremental; inc != nil {
		if inc.Column == "" {
			ve.Add("incremental_config.incremental_key", "must be provided")
		}
		protect("incremental_config.incremental_key", []string{inc.Column})
		for _, c := range res.Rules.Pseudonymize {
			if c == inc.Column {
				ve.Addf("incremental_config.incremental_key", "column %q is pseudonymized by column_rules", c)
			}
		}
		switch inc.Mode {
		case BoundaryDefault, BoundaryStart, BoundaryEnd, BoundaryStartEnd, BoundaryBetween:
		default:
			ve.Addf("incremental_config.boundary_mode", "unsupported boundary mode %q", inc.Mode)
		}
		if (inc.Mode == BoundaryEnd || inc.Mode == BoundaryStartEnd || inc.Mode == BoundaryBetween) && inc.End == nil {
			ve.Addf("incremental_config.end_position", "required by boundary_mode %q", inc.Mode)
		}
		if inc.Lag < 0 {
			ve.Add("incremental_config.lag_window", "must not be negative")
		}
	}
	return &ve
}

func validateMerge(ve *ferryerr.ValidationError, m Merge, protect func(string, []string)) {
	set := 0
	for _, p := range []bool{m.DeleteInsert != nil, m.SCD2 != nil, m.Upsert != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		ve.Add("write_disposition_config.config", "exactly one merge config must be provided")
		return
	}

	switch m.Strategy {
	case DeleteInsert:
		c := m.DeleteInsert
		if c == nil {
			ve.Add("write_disposition_config.config.delete_insert_config", "required when strategy is 'delete-insert'")
			return
		}
		const f = "write_disposition_config.config.delete_insert_config"
		if len(c.PrimaryKey) == 0 && len(c.MergeKey) == 0 {
			ve.Add(f, "primary_key or merge_key is required")
		}
		if c.DedupSort != nil {
			if c.DedupSort.Column == "" {
				ve.Add(f+".dedup_sort_column", "column name must be provided")
			}
			if c.DedupSort.Order != Asc && c.DedupSort.Order != Desc {
				ve.Addf(f+".dedup_sort_column", "order must be asc or desc, got %q", c.DedupSort.Order)
			}
			if len(c.PrimaryKey) == 0 {
				ve.Add(f+".dedup_sort_column", "requires primary_key")
			}
		}
		protect(f+".primary_key", c.PrimaryKey)
		protect(f+".merge_key", c.MergeKey)

	case Upsert:
		c := m.Upsert
		if c == nil {
			ve.Add("write_disposition_config.config.upsert_config", "required when strategy is 'upsert'")
			return
		}
		if len(c.PrimaryKey) == 0 {
			ve.Add("write_disposition_config.config.upsert_config.primary_key", "must be provided and non-empty")
		}
		protect("write_disposition_config.config.upsert_config.primary_key", c.PrimaryKey)

	case SCD2:
		c := m.SCD2
		if c == nil {
			ve.Add("write_disposition_config.config.scd2_config", "required when strategy is 'scd2'")
			return
		}
		const f = "write_disposition_config.config.scd2_config"
		if len(c.NaturalMergeKey) > 0 && len(c.PartitionMergeKey) > 0 {
			ve.Add(f, "natural_merge_key and partition_merge_key are mutually exclusive")
		}
		if c.ValidFromColumn == "" || c.ValidToColumn == "" {
			ve.Add(f+".validity_column_names", "names must not be empty")
		} else if c.ValidFromColumn == c.ValidToColumn {
			ve.Add(f+".validity_column_names", "names must be distinct")
		}
		if c.ActiveRecordTimestamp.IsZero() {
			ve.Add(f+".active_record_timestamp", "must be set")
		}
		protect(f+".natural_merge_key", c.NaturalMergeKey)
		protect(f+".partition_merge_key", c.PartitionMergeKey)

	default:
		ve.Addf("write_disposition_config.strategy", "invalid merge strategy %q", m.Strategy)
	}
}

// applyDefaults fills derived fields. It runs after Validate.
func (r *Request) applyDefaults() {
	for i := range r.Resources {
		res := &r.Resources[i]
		if r.Meta.TableName != "" {
			res.DestinationTable = r.Meta.TableName
		}
		if res.DestinationTable == "" {
			res.DestinationTable = res.SourceTable
		}
	}
	if r.Identity == "" {
		r.Identity = DeriveIdentity(r.SourceURI, r.Resources[0].SourceTable)
	}
}

// Normalize validates r and fills derived fields (destination tables,
// identity). It is the programmatic counterpart of Parse.
func (r Request) Normalize() (Request, error) {
	if err := r.Validate(); err != nil {
		return Request{}, err
	}
	out := r
	out.Resources = append([]Resource(nil), r.Resources...)
	out.applyDefaults()
	return out, nil
}

// DeriveIdentity builds a stable identity "<scheme>_<database>_<table>" with
// "." and "/" replaced by "_". Unparseable URIs fall back to "ferry".
func DeriveIdentity(sourceURI, table string) string {
	parts := []string{"ferry"}
	if d, err := uri.Parse(sourceURI); err == nil {
		parts = []string{d.Scheme}
		switch {
		case d.Database != "":
			parts = append(parts, d.Database)
		case d.Host != "":
			parts = append(parts, d.Host)
		case d.Path != "":
			parts = append(parts, strings.TrimSuffix(lastSegment(d.Path), ".db"))
		}
	}
	parts = append(parts, table)
	id := strings.Join(parts, "_")
	return strings.Map(func(r rune) rune {
		if r == '-' || r == '_' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9') {
			return r
		}
		return '_'
	}, id)
}

// The identity names files and directories under the data dir.
var identityRE = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

const identityRule = "may only contain letters, digits, '_', '.' and '-', and must not be '.' or '..'"

func validIdentity(id string) bool {
	return id != "." && id != ".." && identityRE.MatchString(id)
}

// CheckIdentity rejects identities that cannot safely name a file.
func CheckIdentity(id string) error {
	if validIdentity(id) {
		return nil
	}
	var ve ferryerr.ValidationError
	ve.Add("identity", identityRule)
	return ve.Err()
}

func lastSegment(p string) string {
	p = strings.TrimRight(p, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

// LoadTimestamp truncates t to microseconds, the finest precision every
// destination stores.
func LoadTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
