// Package sqldest loads into SQL engines reached through database/sql:
// mysql, mariadb, mssql, sqlite, duckdb, md (MotherDuck), clickhouse, hana,
// snowflake and redshift.
//
// Plans are compiled op by op with the engine's dialect. Staged rows are
// written with batched multi-row INSERTs, except on mssql where they go
// through the bulk copy protocol.
package sqldest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/smalldata-ai/ferry-sub000/internal/destination"
	"github.com/smalldata-ai/ferry-sub000/internal/dialect"
	"github.com/smalldata-ai/ferry-sub000/internal/loadpkg"
	"github.com/smalldata-ai/ferry-sub000/internal/logging"
	"github.com/smalldata-ai/ferry-sub000/internal/plan"
	"github.com/smalldata-ai/ferry-sub000/internal/schema"
	"github.com/smalldata-ai/ferry-sub000/internal/storage"
	"github.com/smalldata-ai/ferry-sub000/internal/uri"
)

const defaultBatchSize = 10000

func init() {
	destination.Register(Adapter{Schema: "public"}, "redshift", "snowflake")
	destination.Register(Adapter{Schema: "dbo"}, "mssql")
	destination.Register(Adapter{Schema: "main"}, "duckdb", "md")
	destination.Register(Adapter{}, "mysql", "mariadb", "clickhouse", "hana", "sqlite")
}

// open is a test hook.
var open = storage.Open

// Adapter opens database/sql destinations.
type Adapter struct {
	// Schema is the default dataset.
	Schema string
}

// DefaultSchemaName returns the dataset used when the request names none.
func (a Adapter) DefaultSchemaName() string { return a.Schema }

// Open connects to the database named by d.
func (a Adapter) Open(ctx context.Context, d uri.Descriptor, opts destination.Options) (destination.Session, error) {
	db, err := open(ctx, d)
	if err != nil {
		return nil, destination.Fail(d.Scheme, "", err)
	}
	return NewSession(db, opts), nil
}

// Session applies plans on one pool.
type Session struct {
	db   *storage.DB
	exec Executor
}

// NewSession wraps an open database.
func NewSession(db *storage.DB, opts destination.Options) *Session {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	conn := &pool{conn: conn{x: db.DB, d: db.Dialect, scheme: db.Scheme, opts: opts}, db: db.DB}
	return &Session{db: db, exec: Executor{Dialect: db.Dialect, DB: conn, Scheme: db.Scheme}}
}

// Capabilities reports the dialect's capabilities.
func (s *Session) Capabilities() plan.Capabilities { return s.db.Dialect.Capabilities() }

// ApplyPlan runs p, staging rows from r.
func (s *Session) ApplyPlan(ctx context.Context, p plan.Plan, r loadpkg.Reader) (plan.Result, error) {
	return s.exec.Apply(ctx, p, r)
}

// Close closes the pool.
func (s *Session) Close() error { return s.db.Close() }

// conn implements Conn over a pool or a transaction.
type conn struct {
	x      storage.Execer
	tx     *sql.Tx
	d      *dialect.Dialect
	scheme string
	opts   destination.Options
}

func (c *conn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.x.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		// Some drivers do not report affected rows for DDL.
		return 0, nil
	}
	return n, nil
}

func (c *conn) Count(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	if err := c.x.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *conn) Write(ctx context.Context, dataset, table string, cols []schema.Column, rows iter.Seq2[[]any, error]) (int64, error) {
	names := make([]string, len(cols))
	types := make([]schema.DataType, len(cols))
	for i, col := range cols {
		names[i], types[i] = col.Name, col.DataType
	}
	b := storage.Batch{Pipeline: c.opts.Pipeline, Table: table, Size: c.opts.BatchSize}
	log := logging.From(ctx)

	if c.scheme == "mssql" {
		return storage.LoadBatches(ctx, log, b, names, rows, c.copyIn(dataset, table, types))
	}
	return storage.LoadBatches(ctx, log, b, names, rows, storage.InsertFn(c.x, c.d, dataset, table, types))
}

// copyIn bulk copies each batch with mssql.CopyIn. Outside a transaction
// every batch gets its own.
func (c *conn) copyIn(dataset, table string, types []schema.DataType) storage.CopyFn {
	target := c.d.Qualify(dataset, table)
	return func(ctx context.Context, columns []string, rows [][]any) (int64, error) {
		if len(rows) == 0 {
			return 0, nil
		}
		tx, own := c.tx, false
		if tx == nil {
			db, ok := c.x.(*sql.DB)
			if !ok {
				return 0, errors.New("bulk copy needs a pool or a transaction")
			}
			var err error
			if tx, err = db.BeginTx(ctx, nil); err != nil {
				return 0, fmt.Errorf("begin tx: %w", err)
			}
			own = true
		}
		rollback := func() {
			if own {
				_ = tx.Rollback()
			}
		}

		stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(target, mssql.BulkOptions{}, columns...))
		if err != nil {
			rollback()
			return 0, fmt.Errorf("prepare bulk: %w", err)
		}
		for i, row := range rows {
			args := make([]any, len(row))
			for j, v := range row {
				args[j] = c.d.Bind(v, types[j])
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				_ = stmt.Close()
				rollback()
				return 0, fmt.Errorf("bulk row %d: %w", i, err)
			}
		}
		res, err := stmt.ExecContext(ctx)
		if cerr := stmt.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			rollback()
			return 0, fmt.Errorf("bulk finalize: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			n = int64(len(rows))
		}
		if own {
			if err := tx.Commit(); err != nil {
				return 0, fmt.Errorf("commit: %w", err)
			}
		}
		return n, nil
	}
}

// pool is the DB of a Session.
type pool struct {
	conn
	db *sql.DB
}

func (p *pool) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &txConn{conn{x: tx, tx: tx, d: p.d, scheme: p.scheme, opts: p.opts}}, nil
}

type txConn struct{ conn }

func (t *txConn) Commit(context.Context) error   { return t.tx.Commit() }
func (t *txConn) Rollback(context.Context) error { return t.tx.Rollback() }
