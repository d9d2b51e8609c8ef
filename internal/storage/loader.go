package storage

import (
	"context"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/smalldata-ai/ferry-sub000/internal/dialect"
	"github.com/smalldata-ai/ferry-sub000/internal/metrics"
	"github.com/smalldata-ai/ferry-sub000/internal/schema"
)

// CopyFn abstracts a backend's bulk insert capability. Implementations insert
// rows (aligned to columns) and return the number of rows written. It is
// called repeatedly and must cancel promptly when ctx is done.
type CopyFn func(ctx context.Context, columns []string, rows [][]any) (int64, error)

// Batch labels one LoadBatches call.
type Batch struct {
	Pipeline string
	Table    string
	Size     int
}

// LoadBatches drains rows, groups them into batches of b.Size and calls
// copyFn for each non-empty batch. It returns the number of rows reported by
// copyFn and the first error encountered.
//
// Every successful flush logs running totals and the rows/sec since the
// previous flush.
func LoadBatches(
	ctx context.Context,
	log *zap.Logger,
	b Batch,
	columns []string,
	rows iter.Seq2[[]any, error],
	copyFn CopyFn,
) (int64, error) {
	if b.Size <= 0 {
		return 0, fmt.Errorf("batch size must be > 0")
	}
	if copyFn == nil {
		return 0, fmt.Errorf("copyFn must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}

	var (
		total       int64
		batches     int64
		batch       = make([][]any, 0, b.Size)
		start       = time.Now()
		lastFlushTS = start
		lastTotal   int64
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := copyFn(ctx, columns, batch)
		total += n
		batch = batch[:0]
		if err != nil {
			log.Warn("batch copy failed", zap.String("table", b.Table), zap.Int64("inserted", n), zap.Int64("total", total), zap.Error(err))
			return err
		}

		batches++
		metrics.RecordBatches(b.Pipeline, b.Table, 1)
		now := time.Now()
		sinceLast := now.Sub(lastFlushTS)
		rps := float64(0)
		if sinceLast > 0 {
			rps = float64(total-lastTotal) / sinceLast.Seconds()
		}
		log.Debug("batch flushed",
			zap.String("table", b.Table),
			zap.Int64("batch", batches),
			zap.Float64("rps", rps),
			zap.Int64("inserted", n),
			zap.Int64("total_inserted", total),
			zap.Duration("elapsed", now.Sub(start).Truncate(time.Millisecond)),
			zap.Duration("since_last", sinceLast.Truncate(time.Millisecond)),
		)
		lastFlushTS = now
		lastTotal = total
		return nil
	}

	for row, err := range rows {
		if err != nil {
			return total, err
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch = append(batch, row)
		if len(batch) >= b.Size {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := flush(); err != nil {
		return total, err
	}
	log.Debug("input drained", zap.String("table", b.Table), zap.Int64("batches", batches), zap.Int64("total_inserted", total))
	return total, nil
}

// InsertFn returns a CopyFn writing multi-row INSERT statements into
// dataset.table through x. types are the column types, aligned to the
// columns passed to the CopyFn, used to bind values for the driver.
func InsertFn(x Execer, d *dialect.Dialect, dataset, table string, types []schema.DataType) CopyFn {
	return func(ctx context.Context, columns []string, rows [][]any) (int64, error) {
		if len(columns) == 0 {
			return 0, fmt.Errorf("insert into %s: columns must not be empty", table)
		}
		per := d.RowsPerInsert(len(columns), len(rows))
		var inserted int64
		for lo := 0; lo < len(rows); lo += per {
			hi := min(lo+per, len(rows))
			args := make([]any, 0, (hi-lo)*len(columns))
			for _, row := range rows[lo:hi] {
				if len(row) != len(columns) {
					return inserted, fmt.Errorf("insert into %s: row length %d != columns length %d", table, len(row), len(columns))
				}
				for i, v := range row {
					var dt schema.DataType
					if i < len(types) {
						dt = types[i]
					}
					args = append(args, d.Bind(v, dt))
				}
			}
			if _, err := x.ExecContext(ctx, d.InsertSQL(dataset, table, columns, hi-lo), args...); err != nil {
				return inserted, fmt.Errorf("insert into %s: %w", table, err)
			}
			inserted += int64(hi - lo)
		}
		return inserted, nil
	}
}
