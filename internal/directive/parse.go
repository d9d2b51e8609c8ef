package directive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/smalldata-ai/ferry-sub000/internal/config"
	"github.com/smalldata-ai/ferry-sub000/internal/ferryerr"
)

// KeyList decodes either a single column name or a list of names.
type KeyList []string

func (k *KeyList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*k = nil
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*k = KeyList{s}
		return nil
	}
	var ss []string
	if err := json.Unmarshal(b, &ss); err != nil {
		return fmt.Errorf("key must be a string or a list of strings")
	}
	*k = ss
	return nil
}

type rawRequest struct {
	Identity        string          `json:"identity"`
	SourceURI       string          `json:"source_uri"`
	DestinationURI  string          `json:"destination_uri"`
	DestinationMeta *rawMeta        `json:"destination_meta"`
	DatasetName     string          `json:"dataset_name"`
	Resources       []rawResource   `json:"resources"`
	FailFast        *bool           `json:"fail_fast"`
}

type rawMeta struct {
	TableName   string `json:"table_name"`
	DatasetName string `json:"dataset_name"`
}

type rawResource struct {
	SourceTable      string          `json:"source_table_name"`
	DestinationTable string          `json:"destination_table_name"`
	ColumnRules      *rawRules       `json:"column_rules"`
	Disposition      *rawDisposition `json:"write_disposition_config"`
	Incremental      *rawIncremental `json:"incremental_config"`
	SourceOptions    config.Options  `json:"source_options"`
}

type rawRules struct {
	Exclude        []string `json:"exclude_columns"`
	Pseudonymize   []string `json:"pseudonymize_columns"`
	Pseudonymizing []string `json:"pseudonymizing_columns"`
}

type rawDisposition struct {
	Type     string          `json:"type"`
	Strategy string          `json:"strategy"`
	Config   *rawMergeConfig `json:"config"`
}

type rawMergeConfig struct {
	DeleteInsert *rawDeleteInsert `json:"delete_insert_config"`
	SCD2         *rawSCD2         `json:"scd2_config"`
	Upsert       *rawUpsert       `json:"upsert_config"`
}

type rawDeleteInsert struct {
	PrimaryKey       KeyList           `json:"primary_key"`
	MergeKey         KeyList           `json:"merge_key"`
	HardDeleteColumn string            `json:"hard_delete_column"`
	DedupSortColumn  map[string]string `json:"dedup_sort_column"`
}

type rawUpsert struct {
	PrimaryKey       KeyList `json:"primary_key"`
	HardDeleteColumn string  `json:"hard_delete_column"`
}

type rawSCD2 struct {
	NaturalMergeKey       KeyList  `json:"natural_merge_key"`
	PartitionMergeKey     KeyList  `json:"partition_merge_key"`
	ValidityColumnNames   []string `json:"validity_column_names"`
	ActiveRecordTimestamp string   `json:"active_record_timestamp"`
	UseBoundaryTimestamp  bool     `json:"use_boundary_timestamp"`
}

type rawIncremental struct {
	Key          string `json:"incremental_key"`
	Start        any    `json:"start_position"`
	End          any    `json:"end_position"`
	Lag          any    `json:"lag_window"`
	BoundaryMode string `json:"boundary_mode"`
}

// Default values of SCD2Config.
const (
	DefaultValidFrom             = "valid_from"
	DefaultValidTo               = "valid_to"
	DefaultActiveRecordTimestamp = "9999-12-31"
)

// Decode reads a JSON request from r and validates it.
func Decode(r io.Reader) (Request, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var raw rawRequest
	if err := dec.Decode(&raw); err != nil {
		var ve ferryerr.ValidationError
		ve.Addf("body", "malformed request: %v", err)
		return Request{}, &ve
	}
	return fromRaw(raw)
}

// Parse is Decode over a byte slice.
func Parse(b []byte) (Request, error) {
	return Decode(bytes.NewReader(b))
}

func fromRaw(raw rawRequest) (Request, error) {
	var ve ferryerr.ValidationError

	req := Request{
		Identity:       strings.TrimSpace(raw.Identity),
		SourceURI:      strings.TrimSpace(raw.SourceURI),
		DestinationURI: strings.TrimSpace(raw.DestinationURI),
		FailFast:       true,
	}
	if raw.FailFast != nil {
		req.FailFast = *raw.FailFast
	}
	if raw.DestinationMeta != nil {
		req.Meta = DestinationMeta{
			TableName:   strings.TrimSpace(raw.DestinationMeta.TableName),
			DatasetName: strings.TrimSpace(raw.DestinationMeta.DatasetName),
		}
	}
	if req.Meta.DatasetName == "" {
		req.Meta.DatasetName = strings.TrimSpace(raw.DatasetName)
	}

	for i, rr := range raw.Resources {
		res, rve := resourceFromRaw(rr)
		ve.Merge(fmt.Sprintf("resources[%d]", i), rve)
		req.Resources = append(req.Resources, res)
	}

	if !ve.Empty() {
		ve.Merge("", topLevelErrors(req))
		return Request{}, &ve
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	req.applyDefaults()
	return req, nil
}

func resourceFromRaw(rr rawResource) (Resource, *ferryerr.ValidationError) {
	var ve ferryerr.ValidationError
	res := Resource{
		SourceTable:      strings.TrimSpace(rr.SourceTable),
		DestinationTable: strings.TrimSpace(rr.DestinationTable),
		SourceOptions:    rr.SourceOptions,
	}
	if res.SourceOptions == nil {
		res.SourceOptions = config.Options{}
	}
	if rr.ColumnRules != nil {
		res.Rules = ColumnRules{
			Exclude:      trimKeys(rr.ColumnRules.Exclude),
			Pseudonymize: trimKeys(append(rr.ColumnRules.Pseudonymize, rr.ColumnRules.Pseudonymizing...)),
		}
	}

	d, err := dispositionFromRaw(rr.Disposition)
	if err != nil {
		ve.Add("write_disposition_config", err.Error())
	}
	res.Disposition = d

	if rr.Incremental != nil {
		inc, err := incrementalFromRaw(*rr.Incremental)
		if err != nil {
			ve.Add("incremental_config", err.Error())
		}
		res.Incremental = inc
	}
	return res, &ve
}

func dispositionFromRaw(rd *rawDisposition) (Disposition, error) {
	if rd == nil {
		return Replace{Strategy: TruncateAndInsert}, nil
	}
	typ := strings.ToLower(strings.TrimSpace(rd.Type))
	switch DispositionKind(typ) {
	case "", KindReplace:
		if rd.Config != nil {
			return nil, fmt.Errorf("config is not accepted when type is 'replace'")
		}
		s := ReplaceStrategy(rd.Strategy)
		switch s {
		case "":
			s = TruncateAndInsert
		case TruncateAndInsert, InsertFromStaging, StagingOptimized:
		default:
			return nil, fmt.Errorf("invalid replace strategy %q", rd.Strategy)
		}
		return Replace{Strategy: s}, nil

	case KindAppend:
		if rd.Strategy != "" || rd.Config != nil {
			return nil, fmt.Errorf("no strategy or config is accepted when type is 'append'")
		}
		return Append{}, nil

	case KindMerge:
		return mergeFromRaw(rd)

	default:
		return nil, fmt.Errorf("unsupported write disposition type %q", rd.Type)
	}
}

func mergeFromRaw(rd *rawDisposition) (Disposition, error) {
	s := MergeStrategy(rd.Strategy)
	if s == "" {
		s = DeleteInsert
	}
	var cfg rawMergeConfig
	if rd.Config != nil {
		cfg = *rd.Config
	}
	only := func(name string, want bool, others ...bool) error {
		if !want {
			return fmt.Errorf("%s is required when strategy is '%s'", name, s)
		}
		for _, o := range others {
			if o {
				return fmt.Errorf("only %s is accepted when strategy is '%s'", name, s)
			}
		}
		return nil
	}

	m := Merge{Strategy: s}
	switch s {
	case DeleteInsert:
		if err := only("delete_insert_config", cfg.DeleteInsert != nil, cfg.SCD2 != nil, cfg.Upsert != nil); err != nil {
			return nil, err
		}
		c := &DeleteInsertConfig{
			PrimaryKey:       trimKeys(cfg.DeleteInsert.PrimaryKey),
			MergeKey:         trimKeys(cfg.DeleteInsert.MergeKey),
			HardDeleteColumn: strings.TrimSpace(cfg.DeleteInsert.HardDeleteColumn),
		}
		if len(cfg.DeleteInsert.DedupSortColumn) > 1 {
			return nil, fmt.Errorf("dedup_sort_column accepts exactly one column")
		}
		for col, ord := range cfg.DeleteInsert.DedupSortColumn {
			c.DedupSort = &DedupSort{Column: strings.TrimSpace(col), Order: SortOrder(strings.ToLower(ord))}
		}
		m.DeleteInsert = c

	case Upsert:
		if err := only("upsert_config", cfg.Upsert != nil, cfg.DeleteInsert != nil, cfg.SCD2 != nil); err != nil {
			return nil, err
		}
		m.Upsert = &UpsertConfig{
			PrimaryKey:       trimKeys(cfg.Upsert.PrimaryKey),
			HardDeleteColumn: strings.TrimSpace(cfg.Upsert.HardDeleteColumn),
		}

	case SCD2:
		if err := only("scd2_config", cfg.SCD2 != nil, cfg.DeleteInsert != nil, cfg.Upsert != nil); err != nil {
			return nil, err
		}
		rs := cfg.SCD2
		c := &SCD2Config{
			NaturalMergeKey:      trimKeys(rs.NaturalMergeKey),
			PartitionMergeKey:    trimKeys(rs.PartitionMergeKey),
			ValidFromColumn:      DefaultValidFrom,
			ValidToColumn:        DefaultValidTo,
			UseBoundaryTimestamp: rs.UseBoundaryTimestamp,
		}
		if rs.ValidityColumnNames != nil {
			if len(rs.ValidityColumnNames) != 2 {
				return nil, fmt.Errorf("validity_column_names must contain exactly two names")
			}
			c.ValidFromColumn = strings.TrimSpace(rs.ValidityColumnNames[0])
			c.ValidToColumn = strings.TrimSpace(rs.ValidityColumnNames[1])
		}
		ts := rs.ActiveRecordTimestamp
		if ts == "" {
			ts = DefaultActiveRecordTimestamp
		}
		at, err := ParseTimestamp(ts)
		if err != nil {
			return nil, fmt.Errorf("active_record_timestamp: %w", err)
		}
		c.ActiveRecordTimestamp = at
		m.SCD2 = c

	default:
		return nil, fmt.Errorf("invalid merge strategy %q", rd.Strategy)
	}
	return m, nil
}

func incrementalFromRaw(ri rawIncremental) (*Incremental, error) {
	inc := &Incremental{
		Column: strings.TrimSpace(ri.Key),
		Start:  ri.Start,
		End:    ri.End,
		Mode:   BoundaryMode(strings.ToLower(strings.TrimSpace(ri.BoundaryMode))),
	}
	switch v := ri.Lag.(type) {
	case nil:
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return inc, fmt.Errorf("lag_window must be a number")
		}
		inc.Lag = f
	case float64:
		inc.Lag = v
	default:
		return inc, fmt.Errorf("lag_window must be a number")
	}
	return inc, nil
}

func trimKeys(k KeyList) []string {
	var out []string
	for _, s := range k {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp accepts RFC 3339 timestamps, naive date-times and dates.
// Naive values are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, l := range timestampLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as a date or timestamp", s)
}
