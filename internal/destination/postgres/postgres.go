// Package postgres loads into PostgreSQL through a pgx pool. Staged rows go
// through COPY; plans with transactional DDL run in one transaction.
package postgres

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

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

const (
	defaultBatchSize = 10000
	pingTimeout      = 15 * time.Second
)

func init() {
	destination.Register(Adapter{}, "postgres", "postgresql")
}

// Adapter opens PostgreSQL sessions.
type Adapter struct{}

// DefaultSchemaName is "public".
func (Adapter) DefaultSchemaName() string { return "public" }

// Open creates a pool for d and pings it.
func (Adapter) Open(ctx context.Context, d uri.Descriptor, opts destination.Options) (destination.Session, error) {
	_, dsn, err := storage.DSN(d)
	if err != nil {
		return nil, destination.Fail(d.Scheme, "", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, destination.Fail(d.Scheme, "", fmt.Errorf("pgxpool: %w", err))
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, destination.Fail(d.Scheme, "", fmt.Errorf("ping %s: %w", d.Redacted(), err))
	}
	return NewSession(pool, d.Scheme, opts), nil
}

// Session applies plans on one pool.
type Session struct {
	pool *pgxpool.Pool
	exec sqldest.Executor
}

// NewSession wraps pool.
func NewSession(pool *pgxpool.Pool, scheme string, opts destination.Options) *Session {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	db := &poolConn{conn: conn{q: pool, opts: opts}, pool: pool}
	return &Session{pool: pool, exec: sqldest.Executor{Dialect: dialect.Postgres, DB: db, Scheme: scheme}}
}

// Capabilities reports the Postgres dialect's capabilities.
func (s *Session) Capabilities() plan.Capabilities { return dialect.Postgres.Capabilities() }

// ApplyPlan runs p, staging rows from r with COPY.
func (s *Session) ApplyPlan(ctx context.Context, p plan.Plan, r loadpkg.Reader) (plan.Result, error) {
	return s.exec.Apply(ctx, p, r)
}

// Close closes the pool.
func (s *Session) Close() error {
	s.pool.Close()
	return nil
}

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// conn implements sqldest.Conn over a Querier.
type conn struct {
	q    Querier
	opts destination.Options
}

func (c *conn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := c.q.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *conn) Count(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := c.q.QueryRow(ctx, query, args...).Scan(&n)
	return n, err
}

func (c *conn) Write(ctx context.Context, dataset, table string, cols []schema.Column, rows iter.Seq2[[]any, error]) (int64, error) {
	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = col.Name
	}
	id := pgx.Identifier{table}
	if dataset != "" {
		id = pgx.Identifier{dataset, table}
	}
	b := storage.Batch{Pipeline: c.opts.Pipeline, Table: table, Size: c.opts.BatchSize}
	return storage.LoadBatches(ctx, logging.From(ctx), b, names, rows, CopyFn(c.q, id, cols))
}

// CopyFn returns a storage.CopyFn writing each batch into table with COPY.
func CopyFn(q Querier, table pgx.Identifier, cols []schema.Column) storage.CopyFn {
	return func(ctx context.Context, columns []string, rows [][]any) (int64, error) {
		for _, row := range rows {
			for i, v := range row {
				if i < len(cols) {
					row[i] = dialect.Postgres.Bind(v, cols[i].DataType)
				}
			}
		}
		n, err := q.CopyFrom(ctx, table, columns, pgx.CopyFromRows(rows))
		if err != nil {
			return n, fmt.Errorf("copy into %s: %w", table.Sanitize(), err)
		}
		return n, nil
	}
}

type poolConn struct {
	conn
	pool *pgxpool.Pool
}

func (p *poolConn) Begin(ctx context.Context) (sqldest.Tx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &txConn{conn: conn{q: tx, opts: p.opts}, tx: tx}, nil
}

type txConn struct {
	conn
	tx pgx.Tx
}

func (t *txConn) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *txConn) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }
