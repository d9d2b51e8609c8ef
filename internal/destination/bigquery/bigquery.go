// Package bigquery loads into Google BigQuery. Credentials are an OAuth2
// refresh token carried by the URI; ops run as GoogleSQL query jobs and
// staged rows are streamed with the table inserter.
package bigquery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"cloud.google.com/go/bigquery"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/smalldata-ai/ferry-sub000/internal/destination"
	"github.com/smalldata-ai/ferry-sub000/internal/destination/sqldest"
	"github.com/smalldata-ai/ferry-sub000/internal/dialect"
	"github.com/smalldata-ai/ferry-sub000/internal/loadpkg"
	"github.com/smalldata-ai/ferry-sub000/internal/logging"
	"github.com/smalldata-ai/ferry-sub000/internal/plan"
	"github.com/smalldata-ai/ferry-sub000/internal/schema"
	"github.com/smalldata-ai/ferry-sub000/internal/storage"
	"github.com/smalldata-ai/ferry-sub000/internal/uri"
)

const defaultBatchSize = 500

func init() {
	destination.Register(Adapter{}, "bigquery")
}

// Adapter opens BigQuery sessions.
type Adapter struct{}

// DefaultSchemaName is "default"; requests usually override it with
// dataset_name.
func (Adapter) DefaultSchemaName() string { return "default" }

// TokenSource returns the refresh-token credentials of d.
func TokenSource(ctx context.Context, d uri.Descriptor) oauth2.TokenSource {
	cfg := &oauth2.Config{
		ClientID:     d.Query.Get("client_id"),
		ClientSecret: d.Query.Get("client_secret"),
		Endpoint:     google.Endpoint,
		Scopes:       []string{bigquery.Scope},
	}
	return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: d.Query.Get("refresh_token")})
}

// Open creates a client for the project named by d.
func (Adapter) Open(ctx context.Context, d uri.Descriptor, opts destination.Options) (destination.Session, error) {
	client, err := bigquery.NewClient(ctx, d.Database, option.WithTokenSource(TokenSource(ctx, d)))
	if err != nil {
		return nil, destination.Fail(d.Scheme, "", fmt.Errorf("bigquery client: %w", err))
	}
	if loc := d.Query.Get("location"); loc != "" {
		client.Location = loc
	}
	if opts.BatchSize <= 0 || opts.BatchSize > defaultBatchSize {
		opts.BatchSize = defaultBatchSize
	}
	c := &conn{client: client, opts: opts}
	return &Session{client: client, exec: sqldest.Executor{Dialect: dialect.BigQuery, DB: c, Scheme: d.Scheme}}, nil
}

// Session applies plans with one client.
type Session struct {
	client *bigquery.Client
	exec   sqldest.Executor
}

// Capabilities reports the BigQuery dialect's capabilities.
func (s *Session) Capabilities() plan.Capabilities { return dialect.BigQuery.Capabilities() }

// ApplyPlan runs p, streaming staged rows from r.
func (s *Session) ApplyPlan(ctx context.Context, p plan.Plan, r loadpkg.Reader) (plan.Result, error) {
	return s.exec.Apply(ctx, p, r)
}

// Close closes the client.
func (s *Session) Close() error { return s.client.Close() }

type conn struct {
	client *bigquery.Client
	opts   destination.Options
}

func (c *conn) query(sql string, args []any) *bigquery.Query {
	q := c.client.Query(sql)
	for _, a := range args {
		q.Parameters = append(q.Parameters, bigquery.QueryParameter{Value: a})
	}
	return q
}

// Exec runs one job and returns the DML affected row count.
func (c *conn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	job, err := c.query(sql, args).Run(ctx)
	if err != nil {
		return 0, err
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return 0, err
	}
	if err := status.Err(); err != nil {
		return 0, err
	}
	if status.Statistics != nil {
		if qs, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok {
			return qs.NumDMLAffectedRows, nil
		}
	}
	return 0, nil
}

func (c *conn) Count(ctx context.Context, sql string, args ...any) (int64, error) {
	it, err := c.query(sql, args).Read(ctx)
	if err != nil {
		return 0, err
	}
	var row []bigquery.Value
	if err := it.Next(&row); err != nil {
		if errors.Is(err, iterator.Done) {
			return 0, nil
		}
		return 0, err
	}
	if len(row) == 0 {
		return 0, nil
	}
	n, _ := row[0].(int64)
	return n, nil
}

// Write streams rows into dataset.table.
func (c *conn) Write(ctx context.Context, dataset, table string, cols []schema.Column, rows iter.Seq2[[]any, error]) (int64, error) {
	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = col.Name
	}
	ins := c.client.Dataset(dataset).Table(table).Inserter()
	sch := Schema(cols)
	copyFn := func(ctx context.Context, _ []string, batch [][]any) (int64, error) {
		savers := make([]*bigquery.ValuesSaver, len(batch))
		for i, row := range batch {
			savers[i] = &bigquery.ValuesSaver{Schema: sch, Row: Values(cols, row)}
		}
		if err := ins.Put(ctx, savers); err != nil {
			return 0, fmt.Errorf("stream into %s.%s: %w", dataset, table, err)
		}
		return int64(len(batch)), nil
	}
	b := storage.Batch{Pipeline: c.opts.Pipeline, Table: table, Size: c.opts.BatchSize}
	return storage.LoadBatches(ctx, logging.From(ctx), b, names, rows, copyFn)
}

// Begin fails: BigQuery plans never run in one transaction.
func (c *conn) Begin(context.Context) (sqldest.Tx, error) {
	return nil, errors.New("bigquery: multi-statement transactions are not used")
}

var fieldTypes = map[schema.DataType]bigquery.FieldType{
	schema.TypeBool:      bigquery.BooleanFieldType,
	schema.TypeBigInt:    bigquery.IntegerFieldType,
	schema.TypeDouble:    bigquery.FloatFieldType,
	schema.TypeText:      bigquery.StringFieldType,
	schema.TypeTimestamp: bigquery.TimestampFieldType,
	schema.TypeDate:      bigquery.DateFieldType,
	schema.TypeJSON:      bigquery.JSONFieldType,
	schema.TypeBinary:    bigquery.BytesFieldType,
}

// Schema maps columns to a BigQuery schema. Every column is nullable.
func Schema(cols []schema.Column) bigquery.Schema {
	out := make(bigquery.Schema, len(cols))
	for i, c := range cols {
		ft, ok := fieldTypes[c.DataType]
		if !ok {
			ft = bigquery.StringFieldType
		}
		out[i] = &bigquery.FieldSchema{Name: c.Name, Type: ft}
	}
	return out
}

// Values converts a staged row for the inserter. JSON values are sent as
// serialized text and dates as civil dates in YYYY-MM-DD form.
func Values(cols []schema.Column, row []any) []bigquery.Value {
	out := make([]bigquery.Value, len(row))
	for i, v := range row {
		if v == nil {
			continue
		}
		var dt schema.DataType
		if i < len(cols) {
			dt = cols[i].DataType
		}
		switch dt {
		case schema.TypeJSON:
			if s, ok := v.(string); ok {
				out[i] = s
			} else if b, err := json.Marshal(v); err == nil {
				out[i] = string(b)
			}
			continue
		case schema.TypeDate:
			switch t := v.(type) {
			case schema.Date:
				out[i] = t.String()
				continue
			case time.Time:
				out[i] = t.Format(schema.DateLayout)
				continue
			}
		}
		out[i] = v
	}
	return out
}
