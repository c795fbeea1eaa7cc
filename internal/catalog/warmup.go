package catalog

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gigamap/internal/tiles"
)

// Prefetcher is a tile source that can render tiles ahead of use.
type Prefetcher interface {
	MaxZoom() int
	Grid(zoom int) (columns, rows int)
	Prefetch(ctx context.Context, id tiles.TileID, zoom tiles.ZoomLevel) error
}

// Warmup prefetches every tile of the first levels zoom levels of each
// target, at most workers at a time. Failed tiles do not stop the warmup;
// their errors are combined in the result. Cancelling ctx stops scheduling.
func Warmup(ctx context.Context, targets []Prefetcher, levels, workers int, log *zap.Logger) error {
	if len(targets) == 0 || levels <= 0 {
		return nil
	}
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}

	log.Info("Starting tile warmup", zap.Int("levels", levels), zap.Int("sources", len(targets)))

	var (
		mu     sync.Mutex
		errs   error
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

schedule:
	for _, target := range targets {
		last := min(levels-1, target.MaxZoom())
		for z := 0; z <= last; z++ {
			columns, rows := target.Grid(z)
			for x := range columns {
				for y := range rows {
					if gctx.Err() != nil {
						break schedule
					}
					id, zoom := tiles.TileID{X: int32(x), Y: int32(y)}, tiles.ZoomLevel(z)
					g.Go(func() error {
						if err := target.Prefetch(gctx, id, zoom); err != nil {
							log.Debug("Warmup tile failed",
								zap.Int("z", z),
								zap.Int("x", x),
								zap.Int("y", y),
								zap.Error(err))
							mu.Lock()
							errs = multierr.Append(errs, err)
							failed++
							mu.Unlock()
						}
						return nil
					})
				}
			}
		}
	}

	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		errs = multierr.Append(errs, err)
	}
	log.Info("Tile warmup completed", zap.Int("failed", failed))
	return errs
}
