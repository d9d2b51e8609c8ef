package sqldest

import (
	"context"
	"fmt"
	"iter"

	"go.uber.org/zap"

	"github.com/smalldata-ai/ferry-sub000/internal/destination"
	"github.com/smalldata-ai/ferry-sub000/internal/dialect"
	"github.com/smalldata-ai/ferry-sub000/internal/loadpkg"
	"github.com/smalldata-ai/ferry-sub000/internal/logging"
	"github.com/smalldata-ai/ferry-sub000/internal/plan"
	"github.com/smalldata-ai/ferry-sub000/internal/schema"
)

// Conn runs compiled statements and bulk writes, on a pool or inside a
// transaction.
type Conn interface {
	// Exec runs one statement and returns the affected row count.
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	// Count runs a single-value COUNT query.
	Count(ctx context.Context, query string, args ...any) (int64, error)
	// Write bulk-loads rows, aligned to cols, into dataset.table.
	Write(ctx context.Context, dataset, table string, cols []schema.Column, rows iter.Seq2[[]any, error]) (int64, error)
}

// DB is a Conn that can open transactions.
type DB interface {
	Conn
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a Conn inside a transaction.
type Tx interface {
	Conn
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Executor applies plans by compiling each op with a dialect.
type Executor struct {
	Dialect *dialect.Dialect
	DB      DB
	Scheme  string
}

// Apply runs p. Atomic plans on engines with transactional DDL run in one
// transaction. Other plans run op by op with each run of consecutive data
// statements in its own transaction where the engine has them; on failure
// p.Compensate runs best effort.
func (e Executor) Apply(ctx context.Context, p plan.Plan, r loadpkg.Reader) (plan.Result, error) {
	log := logging.From(ctx).With(zap.String("table", p.Table), zap.String("destination", e.Scheme))

	var t tally
	if p.Atomic && e.Dialect.TransactionalDDL {
		if err := e.inTx(ctx, log, p, p.Ops, r, &t); err != nil {
			return plan.Result{}, destination.Fail(e.Scheme, p.Table, err)
		}
		return t.res, nil
	}

	var err error
	for _, seg := range e.segments(p.Ops) {
		if seg.tx {
			err = e.inTx(ctx, log, p, seg.ops, r, &t)
		} else {
			err = e.run(ctx, e.DB, p, seg.ops, r, &t)
		}
		if err != nil {
			break
		}
	}
	if err != nil {
		if len(p.Compensate) > 0 {
			if cerr := e.run(context.WithoutCancel(ctx), e.DB, p, p.Compensate, nil, &tally{}); cerr != nil {
				log.Warn("compensation failed", zap.Error(cerr))
			}
		}
		return t.res, destination.Fail(e.Scheme, p.Table, err)
	}
	return t.res, nil
}

// inTx runs ops in one transaction and rolls back on failure. Counts of a
// rolled back transaction are discarded.
func (e Executor) inTx(ctx context.Context, log *zap.Logger, p plan.Plan, ops []plan.Op, r loadpkg.Reader, t *tally) error {
	tx, err := e.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	scratch := *t
	if err := e.run(ctx, tx, p, ops, r, &scratch); err != nil {
		if rerr := tx.Rollback(context.WithoutCancel(ctx)); rerr != nil {
			log.Warn("rollback failed", zap.Error(rerr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	*t = scratch
	return nil
}

// segment is a run of ops sharing one connection mode.
type segment struct {
	ops []plan.Op
	tx  bool
}

// segments splits ops into DDL and bulk writes, which run on the pool, and
// runs of data statements, which share a transaction unless the engine has
// none.
func (e Executor) segments(ops []plan.Op) []segment {
	var out []segment
	for _, op := range ops {
		tx := !e.Dialect.NoTransactions && dataStatement(op.Kind)
		if n := len(out); n > 0 && out[n-1].tx == tx {
			out[n-1].ops = append(out[n-1].ops, op)
			continue
		}
		out = append(out, segment{ops: []plan.Op{op}, tx: tx})
	}
	return out
}

func dataStatement(k plan.OpKind) bool {
	switch k {
	case plan.OpDeleteMatching, plan.OpInsertFromStaging, plan.OpUpdateFromStaging, plan.OpSCD2Retire, plan.OpSCD2Insert:
		return true
	}
	return false
}

// tally accumulates a Result across the segments of one plan.
type tally struct {
	res    plan.Result
	staged int64
}

func (e Executor) run(ctx context.Context, c Conn, p plan.Plan, ops []plan.Op, r loadpkg.Reader, t *tally) error {
	log := logging.From(ctx)
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		if op.Kind == plan.OpStageWrite {
			if r == nil {
				return fmt.Errorf("%s: no rows to stage", op)
			}
			n, err := c.Write(ctx, p.Dataset, op.Table, op.StagingColumns(), plan.Prepare(op, r))
			if err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			t.res.Staged += n
			t.staged = n
			if op.Table == p.Table {
				t.res.Inserted += n
			}
			continue
		}

		stmts, err := e.Dialect.Compile(p, op)
		if err != nil {
			return fmt.Errorf("compile %s: %w", op, err)
		}
		var affected int64
		for _, st := range stmts {
			if st.Guard != nil {
				n, err := c.Count(ctx, st.Guard.SQL, st.Guard.Args...)
				if err != nil {
					return fmt.Errorf("%s guard: %w", op, err)
				}
				if (n > 0) != st.Guard.Exists {
					continue
				}
			}
			n, err := c.Exec(ctx, st.SQL, st.Args...)
			if err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			if n > 0 {
				affected += n
			}
		}
		log.Debug("op applied", zap.String("op", op.String()), zap.Int("statements", len(stmts)), zap.Int64("affected", affected))

		switch op.Kind {
		case plan.OpRename:
			if op.Table == p.Table {
				t.res.Inserted += t.staged
			}
		case plan.OpDeleteMatching:
			t.res.Deleted += affected
		case plan.OpInsertFromStaging, plan.OpSCD2Insert:
			t.res.Inserted += affected
		case plan.OpUpdateFromStaging:
			t.res.Updated += affected
		case plan.OpSCD2Retire:
			t.res.Retired += affected
		}
	}
	return nil
}
