// Package filesystem writes loads as Parquet files to the local disk or an
// object store (s3, gs, az), under <dataset>/<table>/<load_id>.<n>.parquet.
//
// Only replace and append are supported: replace deletes the table's prefix
// before writing, append adds files next to the existing ones.
package filesystem

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"go.uber.org/zap"

	"github.com/smalldata-ai/ferry-sub000/internal/destination"
	"github.com/smalldata-ai/ferry-sub000/internal/loadpkg"
	"github.com/smalldata-ai/ferry-sub000/internal/logging"
	"github.com/smalldata-ai/ferry-sub000/internal/objstore"
	"github.com/smalldata-ai/ferry-sub000/internal/plan"
	"github.com/smalldata-ai/ferry-sub000/internal/schema"
	"github.com/smalldata-ai/ferry-sub000/internal/storage"
	"github.com/smalldata-ai/ferry-sub000/internal/uri"
)

const defaultRowsPerFile = 100000

func init() {
	destination.Register(Adapter{}, "file", "s3", "gs", "az")
}

// Adapter opens file destinations.
type Adapter struct{}

// DefaultSchemaName is empty: tables sit at the root unless a dataset is
// named.
func (Adapter) DefaultSchemaName() string { return "" }

// Open opens the bucket named by d.
func (Adapter) Open(ctx context.Context, d uri.Descriptor, opts destination.Options) (destination.Session, error) {
	b, err := objstore.Open(ctx, d)
	if err != nil {
		return nil, destination.Fail(d.Scheme, "", err)
	}
	return NewSession(b, d.Scheme, opts), nil
}

// Session writes into one bucket.
type Session struct {
	bucket objstore.Bucket
	scheme string
	opts   destination.Options

	// seq numbers files per load and table.
	mu  sync.Mutex
	seq map[string]int
}

// NewSession writes into b.
func NewSession(b objstore.Bucket, scheme string, opts destination.Options) *Session {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultRowsPerFile
	}
	return &Session{bucket: b, scheme: scheme, opts: opts, seq: map[string]int{}}
}

// Capabilities reports a non-SQL destination.
func (s *Session) Capabilities() plan.Capabilities { return plan.Capabilities{} }

// Close closes the bucket.
func (s *Session) Close() error { return s.bucket.Close() }

// TablePrefix is the key prefix of a table's files.
func TablePrefix(dataset, table string) string {
	return objstore.Join(dataset, table) + "/"
}

// ApplyPlan runs the drop and stage-write ops of p.
func (s *Session) ApplyPlan(ctx context.Context, p plan.Plan, r loadpkg.Reader) (plan.Result, error) {
	var res plan.Result
	loadID := p.LoadID
	if loadID == "" {
		loadID = uuid.NewString()
	}
	for _, op := range p.Ops {
		switch op.Kind {
		case plan.OpDropTable:
			n, err := objstore.DeletePrefix(ctx, s.bucket, TablePrefix(p.Dataset, op.Table))
			if err != nil {
				return res, destination.Fail(s.scheme, p.Table, err)
			}
			logging.From(ctx).Debug("dropped table files", zap.String("table", op.Table), zap.Int("files", n))
		case plan.OpStageWrite:
			n, err := s.write(ctx, p.Dataset, op.Table, loadID, op.StagingColumns(), plan.Prepare(op, r))
			if err != nil {
				return res, destination.Fail(s.scheme, p.Table, err)
			}
			res.Staged += n
			res.Inserted += n
		default:
			return res, destination.Fail(s.scheme, p.Table, fmt.Errorf("%s is not supported by file destinations", op.Kind))
		}
	}
	return res, nil
}

func (s *Session) write(ctx context.Context, dataset, table, loadID string, cols []schema.Column, rows iter.Seq2[[]any, error]) (int64, error) {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	def, err := ParquetSchema(cols)
	if err != nil {
		return 0, err
	}
	copyFn := func(ctx context.Context, _ []string, batch [][]any) (int64, error) {
		key := s.nextKey(dataset, table, loadID)
		var buf bytes.Buffer
		if err := WriteParquet(&buf, def, cols, batch); err != nil {
			return 0, fmt.Errorf("encode %s: %w", key, err)
		}
		if err := s.bucket.Put(ctx, key, &buf); err != nil {
			return 0, err
		}
		return int64(len(batch)), nil
	}
	b := storage.Batch{Pipeline: s.opts.Pipeline, Table: table, Size: s.opts.BatchSize}
	return storage.LoadBatches(ctx, logging.From(ctx), b, names, rows, copyFn)
}

func (s *Session) nextKey(dataset, table, loadID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := dataset + "/" + table + "/" + loadID
	n := s.seq[k]
	s.seq[k] = n + 1
	return TablePrefix(dataset, table) + fmt.Sprintf("%s.%d.parquet", loadID, n)
}

// ParquetSchema renders the JSON schema definition of the parquet writer.
// Every column is optional.
func ParquetSchema(cols []schema.Column) (string, error) {
	fields := make([]map[string]string, len(cols))
	for i, c := range cols {
		fields[i] = map[string]string{
			"Tag": fmt.Sprintf("name=%s, %s, repetitiontype=OPTIONAL", c.Name, physicalType(c.DataType)),
		}
	}
	b, err := json.Marshal(map[string]any{
		"Tag":    "name=parquet_go_root, repetitiontype=REQUIRED",
		"Fields": fields,
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func physicalType(dt schema.DataType) string {
	switch dt {
	case schema.TypeBool:
		return "type=BOOLEAN"
	case schema.TypeBigInt:
		return "type=INT64"
	case schema.TypeDouble:
		return "type=DOUBLE"
	case schema.TypeTimestamp:
		return "type=INT64, convertedtype=TIMESTAMP_MILLIS"
	case schema.TypeDate:
		return "type=INT32, convertedtype=DATE"
	case schema.TypeBinary:
		return "type=BYTE_ARRAY"
	}
	return "type=BYTE_ARRAY, convertedtype=UTF8"
}

// WriteParquet encodes rows into w as one Snappy-compressed file.
func WriteParquet(w *bytes.Buffer, def string, cols []schema.Column, rows [][]any) error {
	pf := writerfile.NewWriterFile(w)
	pw, err := writer.NewJSONWriter(def, pf, 4)
	if err != nil {
		return err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for i, row := range rows {
		obj := make(map[string]any, len(cols))
		for j, c := range cols {
			if j < len(row) && row[j] != nil {
				obj[c.Name] = parquetValue(row[j], c.DataType)
			}
		}
		b, err := json.Marshal(obj)
		if err != nil {
			_ = pw.WriteStop()
			return fmt.Errorf("row %d: %w", i, err)
		}
		if err := pw.Write(string(b)); err != nil {
			_ = pw.WriteStop()
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return err
	}
	return pf.Close()
}

func parquetValue(v any, dt schema.DataType) any {
	switch dt {
	case schema.TypeTimestamp:
		if t, ok := v.(time.Time); ok {
			return t.UnixMilli()
		}
	case schema.TypeDate:
		switch t := v.(type) {
		case schema.Date:
			return t.Unix() / 86400
		case time.Time:
			return t.Unix() / 86400
		}
	case schema.TypeJSON:
		if s, ok := v.(string); ok {
			return s
		}
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
	case schema.TypeBinary:
		if b, ok := v.([]byte); ok {
			return base64.StdEncoding.EncodeToString(b)
		}
	case schema.TypeText:
		if _, ok := v.(string); !ok {
			return schema.Text(v)
		}
	}
	return v
}
