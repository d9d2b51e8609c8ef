package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smalldata-ai/ferry-sub000/internal/cursor"
	"github.com/smalldata-ai/ferry-sub000/internal/destination"
	"github.com/smalldata-ai/ferry-sub000/internal/directive"
	"github.com/smalldata-ai/ferry-sub000/internal/ferryerr"
	"github.com/smalldata-ai/ferry-sub000/internal/loadpkg"
	"github.com/smalldata-ai/ferry-sub000/internal/logging"
	"github.com/smalldata-ai/ferry-sub000/internal/metrics"
	"github.com/smalldata-ai/ferry-sub000/internal/normalize"
	"github.com/smalldata-ai/ferry-sub000/internal/plan"
	"github.com/smalldata-ai/ferry-sub000/internal/progress"
	"github.com/smalldata-ai/ferry-sub000/internal/rules"
	"github.com/smalldata-ai/ferry-sub000/internal/schema"
	"github.com/smalldata-ai/ferry-sub000/internal/source"
	"github.com/smalldata-ai/ferry-sub000/internal/state"
	"github.com/smalldata-ai/ferry-sub000/internal/trace"
	"github.com/smalldata-ai/ferry-sub000/pkg/records"
)

// phaseContext applies the per-phase deadline.
func (e *Engine) phaseContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.rt.PhaseTimeout > 0 {
		return context.WithTimeout(ctx, e.rt.PhaseTimeout)
	}
	return context.WithCancel(ctx)
}

// resource runs one resource through all three phases.
func (e *Engine) resource(ctx context.Context, r *run, res directive.Resource) error {
	table := schema.NormalizeIdentifier(res.DestinationTable)
	log := logging.From(ctx).With(zap.String("resource", res.SourceTable), zap.String("table", table))
	ctx = logging.WithLogger(ctx, log)

	prev, err := e.cursors.Get(r.req.Identity, table)
	if err != nil {
		return ferryerr.Phase(ferryerr.KindExtract, string(r.srcFam), res.SourceTable, err)
	}
	wm, watermarked := r.src.(source.Watermarked)
	if watermarked {
		wm.SetWatermark(res.SourceTable, prev.FileMTime)
	}

	entry, err := e.extractNormalize(ctx, r, res, table, prev)
	if err != nil {
		return err
	}
	if watermarked {
		entry.Cursor.FileMTime = wm.Watermark(res.SourceTable)
	}

	if entry.Rows == 0 {
		known := r.knownTable(table)
		if _, replace := res.Disposition.(directive.Replace); !replace || known == nil {
			log.Info("nothing to load")
			e.warn(log, r.rec.StartPhase(trace.Load, res.SourceTable))
			e.warn(log, r.rec.FinishPhase(trace.Load, res.SourceTable, 0, -1, nil))
			return e.commit(r.req.Identity, table, *entry.Cursor)
		}
		// An empty replace still empties the table.
		entry.Schema = *known
	}
	if err := r.manifest.Put(table, entry); err != nil {
		return ferryerr.Phase(ferryerr.KindNormalize, string(r.srcFam), res.SourceTable, err)
	}
	return e.load(ctx, r, r.manifest, res, table, entry, res.SourceTable)
}

// extractNormalize streams the extracted records of res through a bounded
// queue into the load package.
func (e *Engine) extractNormalize(ctx context.Context, r *run, res directive.Resource, table string, prev state.CursorState) (*loadpkg.TableEntry, error) {
	log := logging.From(ctx)
	ctx, cancel := e.phaseContext(ctx)
	defer cancel()

	filter := cursor.NewFilter(res.Incremental, prev.Checkpoint)
	column := ""
	if res.Incremental != nil {
		column = res.Incremental.Column
	}
	applier := rules.New(res.Rules, e.rt.PseudonymizeSalt)
	nt := &normalize.Table{
		Name:        table,
		LoadID:      r.manifest.LoadID,
		RowsPerFile: e.rt.RowsPerFile,
		Tracker:     cursor.NewTracker(column, prev.Checkpoint),
		OnRow:       func() { r.progress.Update(progress.Normalize, table, "", 1) },
	}
	if m, ok := res.Disposition.(directive.Merge); ok && m.Strategy == directive.SCD2 {
		nt.SCD2 = m.SCD2
	}

	e.warn(log, r.rec.StartPhase(trace.Extract, res.SourceTable))
	e.warn(log, r.rec.StartPhase(trace.Normalize, res.SourceTable))
	r.progress.Start(progress.Extract)
	extractStart := time.Now()

	queue := make(chan records.Record, e.rt.QueueSize)
	var (
		extracted  int64
		extractErr error
		normErr    error
		out        normalize.Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(queue)
		extractErr = e.extract(gctx, r, res, filter, applier, queue, &extracted)
		return extractErr
	})
	g.Go(func() error {
		var err error
		out, err = nt.Run(gctx, r.manifest, queue)
		if err != nil {
			normErr = ferryerr.Phase(ferryerr.KindNormalize, string(r.srcFam), res.SourceTable, err)
		}
		return normErr
	})
	err := g.Wait()

	// A phase cancelled by the other one failing is not its own failure.
	if normErr != nil && errors.Is(extractErr, context.Canceled) {
		extractErr = nil
	}
	if extractErr != nil && errors.Is(normErr, context.Canceled) {
		normErr = nil
	}
	metrics.RecordPhase(r.req.Identity, trace.Extract, extractErr, time.Since(extractStart))
	metrics.RecordPhase(r.req.Identity, trace.Normalize, normErr, time.Since(extractStart))
	e.warn(log, r.rec.FinishPhase(trace.Extract, res.SourceTable, extracted, -1, extractErr))
	e.warn(log, r.rec.FinishPhase(trace.Normalize, res.SourceTable, out.Rows, -1, normErr))
	if err != nil {
		r.manifest.Remove(out.Files)
		return nil, err
	}
	log.Info("normalized", zap.Int64("extracted", extracted), zap.Int64("rows", out.Rows), zap.Int("files", len(out.Files)))

	out.Schema.WriteDisposition = string(res.Disposition.Kind())
	return &loadpkg.TableEntry{
		Resource: res.SourceTable,
		Status:   loadpkg.StatusNormalized,
		Files:    out.Files,
		Rows:     out.Rows,
		Schema:   out.Schema,
		Cursor:   &state.CursorState{Checkpoint: out.Checkpoint, FileMTime: prev.FileMTime},
	}, nil
}

// extract is the producer: it applies column rules and the cursor filter
// to every record and queues the survivors.
func (e *Engine) extract(
	ctx context.Context,
	r *run,
	res directive.Resource,
	filter *cursor.Filter,
	applier *rules.Applier,
	queue chan<- records.Record,
	count *int64,
) error {
	fail := func(err error) error {
		if ferryerr.KindOf(err) != "" {
			return err
		}
		return ferryerr.Phase(ferryerr.KindExtract, string(r.srcFam), res.SourceTable, err)
	}
	for rec, err := range r.src.Extract(ctx, res, filter) {
		if err != nil {
			return fail(err)
		}
		rec = applier.Apply(rec)
		ok, err := filter.Match(rec)
		if err != nil {
			return fail(err)
		}
		if !ok {
			continue
		}
		select {
		case queue <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
		*count++
		r.progress.Update(progress.Extract, res.SourceTable, "", 1)
	}
	return ctx.Err()
}

// load applies the plan of one normalized table, then commits the cursor
// and marks the table loaded. Loads of one destination table are
// serialized. key names the load in the trace.
func (e *Engine) load(ctx context.Context, r *run, m *loadpkg.Manifest, res directive.Resource, table string, entry *loadpkg.TableEntry, key string) error {
	log := logging.From(ctx)
	ctx, cancel := e.phaseContext(ctx)
	defer cancel()

	unlock := e.tables.lock(m.Dataset + "." + table)
	defer unlock()

	e.warn(log, r.rec.StartPhase(trace.Load, key))
	r.progress.Start(progress.Load)
	start := time.Now()
	result, err := e.apply(ctx, r, m, res, table, entry)
	metrics.RecordPhase(r.req.Identity, trace.Load, err, time.Since(start))
	e.warn(log, r.rec.FinishPhase(trace.Load, key, result.Staged, -1, err))
	if err != nil {
		return err
	}
	r.progress.Update(progress.Load, table, "", result.Staged)
	log.Info("loaded",
		zap.Int64("staged", result.Staged),
		zap.Int64("inserted", result.Inserted),
		zap.Int64("updated", result.Updated),
		zap.Int64("deleted", result.Deleted),
		zap.Int64("retired", result.Retired),
		zap.Duration("elapsed", time.Since(start).Truncate(time.Millisecond)),
	)

	if entry.Cursor != nil {
		if err := e.commit(r.req.Identity, table, *entry.Cursor); err != nil {
			return err
		}
	}
	if err := m.MarkLoaded(table); err != nil {
		log.Warn("mark loaded", zap.Error(err))
	}
	return nil
}

func (e *Engine) apply(ctx context.Context, r *run, m *loadpkg.Manifest, res directive.Resource, table string, entry *loadpkg.TableEntry) (plan.Result, error) {
	observed := entry.Schema
	observed.Name = table
	p, err := plan.Build(plan.Input{
		Resource: res,
		Dataset:  m.Dataset,
		Table:    observed,
		Known:    r.knownTable(table),
		Caps:     r.dst.Capabilities(),
		LoadTS:   m.LoadTimestamp,
		LoadID:   m.LoadID,
	})
	if err != nil {
		return plan.Result{}, err
	}
	logging.From(ctx).Debug("plan", zap.Strings("ops", p.Describe()), zap.Bool("atomic", p.Atomic))

	var result plan.Result
	err = e.retry(ctx, "apply plan", retryable(p, res), func() error {
		var err error
		result, err = r.dst.ApplyPlan(ctx, p, m.Open(entry, p.Target))
		return err
	})
	if err != nil {
		if ferryerr.KindOf(err) == "" {
			err = destination.Fail(r.dstName, table, err)
		}
		return result, err
	}

	target := p.Target
	target.WriteDisposition = string(res.Disposition.Kind())
	if err := r.putTable(e.dir(".schemas"), target); err != nil {
		return result, fmt.Errorf("save schema: %w", err)
	}
	return result, nil
}

// retryable reports whether re-running p after a failure cannot duplicate
// rows: the plan is transactional, goes through a staging table, or
// replaces the table.
func retryable(p plan.Plan, res directive.Resource) bool {
	if p.Atomic || p.Staging != "" {
		return true
	}
	_, replace := res.Disposition.(directive.Replace)
	return replace
}

func (e *Engine) commit(identity, table string, cs state.CursorState) error {
	if cs.Checkpoint.Empty() && cs.FileMTime == nil {
		return nil
	}
	if err := e.cursors.Commit(identity, table, cs); err != nil {
		return ferryerr.Phase(ferryerr.KindLoad, "", table, fmt.Errorf("commit cursor: %w", err))
	}
	return nil
}

// knownTable returns a copy of the recorded shape of table, or nil.
func (r *run) knownTable(table string) *schema.Table {
	r.schemaMu.Lock()
	defer r.schemaMu.Unlock()
	t, ok := r.schema.Table(table)
	if !ok {
		return nil
	}
	cp := *t
	cp.Columns = append([]schema.Column(nil), t.Columns...)
	return &cp
}

func (r *run) putTable(dir string, t schema.Table) error {
	r.schemaMu.Lock()
	defer r.schemaMu.Unlock()
	r.schema.Put(t)
	return schema.Save(dir, r.schema)
}
