package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/smalldata-ai/ferry-sub000/internal/directive"
	"github.com/smalldata-ai/ferry-sub000/internal/loadpkg"
	"github.com/smalldata-ai/ferry-sub000/internal/logging"
	"github.com/smalldata-ai/ferry-sub000/internal/schema"
)

// resume loads the tables a previous run normalized but failed to load,
// oldest package first, before anything new is extracted. Tables no
// resource of req maps to are left pending.
func (e *Engine) resume(ctx context.Context, r *run, root loadpkg.Root) error {
	log := logging.From(ctx)
	pending, err := root.Pending()
	if err != nil {
		return err
	}
	byTable := map[string]directive.Resource{}
	for _, res := range r.req.Resources {
		byTable[schema.NormalizeIdentifier(res.DestinationTable)] = res
	}

	for _, m := range pending {
		for _, table := range m.PendingTables() {
			res, ok := byTable[table]
			if !ok {
				log.Warn("pending table not in request, left for a later run",
					zap.String("load_id", m.LoadID), zap.String("table", table))
				continue
			}
			entry, _ := m.Entry(table)
			log.Info("resuming load", zap.String("load_id", m.LoadID), zap.String("table", table), zap.Int64("rows", entry.Rows))
			if err := e.load(ctx, r, m, res, table, entry, res.SourceTable+"@"+m.LoadID); err != nil {
				return err
			}
		}
		if err := m.Complete(); err != nil {
			log.Warn("remove load package", zap.String("load_id", m.LoadID), zap.Error(err))
		}
	}
	return nil
}
