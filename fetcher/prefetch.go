package fetcher

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/ShoshinNikita/assetcache/assetcache"
	"github.com/ShoshinNikita/assetcache/pkg/metrics"
	"github.com/ShoshinNikita/assetcache/pkg/rlog"
)

type PrefetchOptions struct {
	ValidateRevision bool
	// Format overrides [Options.Format].
	Format *assetcache.Format
	// ConcurrencyLimit is the max number of concurrent fetches. Non-positive value
	// means no limit: all fetches are started at once.
	ConcurrencyLimit int
}

// Prefetch fetches all paths to populate the cache. Failed fetches don't affect
// other ones. Prefetch returns when all started fetches are finished, even if ctx is
// canceled. Paths that haven't been started before ctx is canceled are skipped.
func (s *Service) Prefetch(ctx context.Context, paths []string, opts PrefetchOptions) {
	if len(paths) == 0 {
		return
	}

	now := time.Now()

	p := pool.New()
	if opts.ConcurrencyLimit > 0 {
		p = p.WithMaxGoroutines(opts.ConcurrencyLimit)
	}

	fetchOpts := FetchOptions{
		ValidateRevision: opts.ValidateRevision,
		Format:           opts.Format,
	}

	var started int
	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}

		started++
		p.Go(func() {
			if ctx.Err() != nil {
				return
			}
			// Hold the pool slot until the fetch is finished, even if ctx is canceled.
			s.Fetch(context.WithoutCancel(ctx), path, fetchOpts)
		})
	}
	p.Wait()

	dur := time.Since(now)
	metrics.PrefetchDuration.Observe(dur.Seconds())

	rlog.Debugf("prefetch of %d/%d paths finished in %s", started, len(paths), dur)
}
