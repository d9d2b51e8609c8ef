// Package engine runs ingestion requests: it dispatches the source and
// destination adapters, drives every resource through EXTRACT, NORMALIZE and
// LOAD, and keeps the trace, cursor state, schema and progress files of the
// pipeline identity up to date.
package engine

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smalldata-ai/ferry-sub000/internal/config"
	"github.com/smalldata-ai/ferry-sub000/internal/destination"
	"github.com/smalldata-ai/ferry-sub000/internal/directive"
	"github.com/smalldata-ai/ferry-sub000/internal/ferryerr"
	"github.com/smalldata-ai/ferry-sub000/internal/loadpkg"
	"github.com/smalldata-ai/ferry-sub000/internal/logging"
	"github.com/smalldata-ai/ferry-sub000/internal/metrics"
	"github.com/smalldata-ai/ferry-sub000/internal/progress"
	"github.com/smalldata-ai/ferry-sub000/internal/schema"
	"github.com/smalldata-ai/ferry-sub000/internal/source"
	"github.com/smalldata-ai/ferry-sub000/internal/state"
	"github.com/smalldata-ai/ferry-sub000/internal/trace"
	"github.com/smalldata-ai/ferry-sub000/internal/uri"
)

// Engine executes requests. One Engine may run requests for different
// identities concurrently; runs of the same identity are rejected with a
// CursorConflict error.
type Engine struct {
	rt  config.Runtime
	log *zap.Logger
	now func() time.Time

	cursors *state.Store
	traces  *trace.Store
	tables  tableLocks
}

// New returns an engine persisting its state under rt.DataDir.
func New(rt config.Runtime, log *zap.Logger) *Engine {
	rt = rt.Normalized()
	return &Engine{
		rt:      rt,
		log:     logging.OrNop(log),
		now:     time.Now,
		cursors: state.NewStore(filepath.Join(rt.DataDir, ".state")),
		traces:  trace.NewStore(filepath.Join(rt.DataDir, ".traces")),
	}
}

func (e *Engine) dir(name string) string { return filepath.Join(e.rt.DataDir, name) }

// Observe returns the trace of the latest run of identity. An unknown
// identity is a NotFound error.
func (e *Engine) Observe(identity string) (*trace.Trace, error) {
	if err := directive.CheckIdentity(identity); err != nil {
		return nil, err
	}
	return e.traces.Load(identity)
}

// Schema returns the persisted schema YAML of identity.
func (e *Engine) Schema(identity string) ([]byte, error) {
	if err := directive.CheckIdentity(identity); err != nil {
		return nil, err
	}
	return schema.ReadRaw(e.dir(".schemas"), identity)
}

// run is the state shared by the resources of one request.
type run struct {
	req      directive.Request
	dataset  string
	loadTS   time.Time
	srcFam   uri.Family
	dstName  string
	src      source.Session
	dst      destination.Session
	manifest *loadpkg.Manifest
	rec      *trace.Recorder
	progress *progress.Collector

	schemaMu sync.Mutex
	schema   *schema.Schema
}

// Run executes req. The returned trace is the final state of the run; it is
// nil only when the request failed before a trace could be created
// (validation, dispatch or a concurrent run of the same identity).
func (e *Engine) Run(ctx context.Context, req directive.Request) (*trace.Trace, error) {
	req, err := req.Normalize()
	if err != nil {
		return nil, err
	}
	srcDesc, err := uri.ValidateSource(req.SourceURI)
	if err != nil {
		return nil, err
	}
	dstDesc, err := uri.ValidateDestination(req.DestinationURI)
	if err != nil {
		return nil, err
	}
	srcAdapter, err := source.Lookup(srcDesc)
	if err != nil {
		return nil, err
	}
	dstAdapter, err := destination.Lookup(dstDesc)
	if err != nil {
		return nil, err
	}

	lock, err := state.AcquireLock(e.dir(".state"), req.Identity)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	if e.rt.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.rt.RequestTimeout)
		defer cancel()
	}

	start := e.now()
	loadID := uuid.NewString()
	dataset := req.Meta.DatasetName
	if dataset == "" {
		dataset = dstAdapter.DefaultSchemaName()
	}
	log := e.log.With(zap.String("pipeline", req.Identity), zap.String("load_id", loadID))
	ctx = logging.WithLogger(ctx, log)
	log.Info("run started",
		zap.String("source", srcDesc.Redacted()),
		zap.String("destination", dstDesc.Redacted()),
		zap.Int("resources", len(req.Resources)),
	)

	rec, err := trace.NewRecorder(e.traces, trace.New(req.Identity, string(srcDesc.Family), string(dstDesc.Family), start))
	if err != nil {
		return nil, err
	}
	r := &run{
		req:      req,
		dataset:  dataset,
		loadTS:   directive.LoadTimestamp(start),
		srcFam:   srcDesc.Family,
		dstName:  dstDesc.Scheme,
		rec:      rec,
		progress: progress.NewCollector(e.dir("logs"), req.Identity, e.rt.SnapshotPeriod, log),
	}
	e.warn(log, rec.Processing(loadID, dataset))

	err = e.execute(ctx, r, srcAdapter, srcDesc, dstAdapter, dstDesc, loadID)
	if err != nil {
		log.Error("run failed", zap.Error(err), zap.Duration("elapsed", e.now().Sub(start)))
	} else {
		r.progress.Complete(progress.Load)
		log.Info("run completed", zap.Duration("elapsed", e.now().Sub(start)))
	}
	e.warn(log, rec.Finish(err))
	e.warn(log, r.progress.Close())
	e.warn(log, metrics.Flush())
	return rec.Snapshot(), err
}

func (e *Engine) execute(
	ctx context.Context,
	r *run,
	srcAdapter source.Adapter, srcDesc uri.Descriptor,
	dstAdapter destination.Adapter, dstDesc uri.Descriptor,
	loadID string,
) error {
	log := logging.From(ctx)

	sch, err := schema.Load(e.dir(".schemas"), r.req.Identity)
	if err != nil {
		return err
	}
	r.schema = sch

	err = e.retry(ctx, "open destination", true, func() error {
		s, err := dstAdapter.Open(ctx, dstDesc, destination.Options{Pipeline: r.req.Identity, BatchSize: e.rt.BatchSize})
		if err != nil {
			return err
		}
		r.dst = s
		return nil
	})
	if err != nil {
		return err
	}
	defer r.dst.Close()

	root := loadpkg.NewRoot(e.dir(".packages"), r.req.Identity)
	if err := e.resume(ctx, r, root); err != nil {
		return err
	}

	r.src, err = srcAdapter.Open(ctx, srcDesc)
	if err != nil {
		return ferryerr.Phase(ferryerr.KindExtract, string(srcDesc.Family), "", err)
	}
	defer r.src.Close()

	r.manifest, err = root.Create(r.req.Identity, loadID, r.dataset, r.loadTS)
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		errs *multierror.Error
	)
	g := &errgroup.Group{}
	gctx := ctx
	if r.req.FailFast {
		g, gctx = errgroup.WithContext(ctx)
	}
	g.SetLimit(e.rt.MaxParallel)
	for _, res := range r.req.Resources {
		g.Go(func() error {
			err := e.resource(gctx, r, res)
			if err == nil {
				return nil
			}
			log.Error("resource failed", zap.String("resource", res.SourceTable), zap.Error(err))
			if r.req.FailFast {
				return err
			}
			mu.Lock()
			errs = multierror.Append(errs, err)
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	if err == nil {
		err = errs.ErrorOrNil()
	}

	for _, p := range []string{trace.Extract, trace.Normalize, trace.Load} {
		e.warn(log, r.rec.ClosePhase(p))
	}
	if cerr := r.manifest.Complete(); cerr != nil {
		log.Warn("remove load package", zap.Error(cerr))
	}
	r.schemaMu.Lock()
	hash := r.schema.VersionHash
	r.schemaMu.Unlock()
	if hash != "" {
		e.warn(log, r.rec.SetSchemaHash(hash))
	}
	return err
}

func (e *Engine) warn(log *zap.Logger, err error) {
	if err != nil {
		log.Warn("bookkeeping failed", zap.Error(err))
	}
}
