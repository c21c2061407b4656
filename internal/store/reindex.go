package store

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/medstack/recordstore/internal/index"
	"github.com/medstack/recordstore/internal/search"
)

const defaultReindexPageSize = 100

// ReindexStats summarizes one reindex run.
type ReindexStats struct {
	Scanned int `json:"scanned"`
	Updated int `json:"updated"`
}

// ReindexOptions configures a bulk reindex.
type ReindexOptions struct {
	// Types restricts the run; empty means every registered type.
	Types    []string
	PageSize int
}

// Reindex re-derives the index for existing records in pages, so normal reads
// and writes interleave between pages. Records that already carry rows for
// their current version are skipped, which makes the run idempotent.
// Cancellation is honored at page boundaries and leaves every finished page's
// records fully indexed.
func (e *Engine) Reindex(ctx context.Context, opts ReindexOptions) (ReindexStats, error) {
	types := opts.Types
	if len(types) == 0 {
		types = e.reg.Types()
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultReindexPageSize
	}

	var (
		mu    sync.Mutex
		stats ReindexStats
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, typ := range types {
		typ := typ
		g.Go(func() error {
			s, err := e.reindexType(gctx, typ, pageSize)
			mu.Lock()
			stats.Scanned += s.Scanned
			stats.Updated += s.Updated
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	e.log.Info().Int("scanned", stats.Scanned).Int("updated", stats.Updated).
		Err(err).Msg("reindex finished")
	return stats, err
}

func (e *Engine) reindexType(ctx context.Context, recordType string, pageSize int) (ReindexStats, error) {
	var stats ReindexStats
	def, ok := e.reg.Type(recordType)
	if !ok {
		return stats, nil
	}
	ids := e.LiveIDs(recordType)
	sort.Strings(ids)
	for start := 0; start < len(ids); start += pageSize {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		end := start + pageSize
		if end > len(ids) {
			end = len(ids)
		}
		stats.Scanned += end - start
		stats.Updated += e.reindexPage(def, ids[start:end])
	}
	return stats, nil
}

// reindexPage holds the write lock for one page only.
func (e *Engine) reindexPage(def *search.TypeDef, ids []string) int {
	updated := 0
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		rec := e.currentLocked(def.Type, id)
		if rec == nil || rec.Deleted {
			continue
		}
		if e.indexVersion[def.Type+"/"+id] == rec.Version {
			continue
		}
		e.applyIndexLocked(def, id, rec.Version, index.Extract(def, id, rec.Content))
		updated++
	}
	return updated
}
