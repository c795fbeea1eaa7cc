package renderer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"gigamap/internal/provider"
	"gigamap/internal/resource"
	"gigamap/internal/scheduler"
	"gigamap/internal/state"
	"gigamap/internal/tiles"
)

// kindAvailable reports whether s has a data source for kind.
func kindAvailable(s *state.MapState, kind resource.Kind) bool {
	if s == nil {
		return false
	}
	if layer, ok := kind.RasterLayer(); ok {
		return s.RasterLayerProviders[layer] != nil
	}
	switch kind {
	case resource.ElevationData:
		return s.ElevationDataProvider != nil
	case resource.Symbols:
		return len(s.SymbolProviders) > 0
	}
	return false
}

// cleanUpResources evicts every entry whose kind lost its data source, and
// every entry that has been out of view for more than grace frames.
func (r *Renderer) cleanUpResources(committed *state.MapState, visible *tiles.Set, frame, grace uint64) {
	for _, kind := range resource.Kinds() {
		available := kindAvailable(committed, kind)
		r.stores[kind].RemoveWhere(func(e *resource.Entry, _ *bool) bool {
			if !available {
				r.evict(e)
				return true
			}
			if visible.Contains(e.TileID(), e.Zoom()) {
				e.Touch(frame)
				return false
			}
			if frame-e.LastVisible() <= grace {
				return false
			}
			r.evict(e)
			return true
		})
	}
}

// requestMissingResources starts a fetch task for every visible tile and kind
// that has no entry yet.
func (r *Renderer) requestMissingResources(committed *state.MapState, visible *tiles.Set, frame uint64) {
	zoom := visible.Zoom()
	observer := r.SetupOptions().TransitionObserver

	for _, id := range visible.Tiles() {
		for _, kind := range resource.Kinds() {
			if !kindAvailable(committed, kind) {
				continue
			}
			store := r.stores[kind]
			e := store.FindOrCreate(id, zoom, resource.Factory(kind, observer))
			e.Touch(frame)
			if e.State() != resource.Unknown {
				continue
			}

			task := r.newRequestTask(store, e, committed)
			if !e.BeginRequest(task) {
				continue
			}
			e.MarkRequested()
			if err := r.pool.Enqueue(task); err != nil {
				r.logger().Warn("Failed to enqueue tile request", zap.Error(err))
				r.evict(e)
				store.Remove(e)
			}
		}
	}
}

func (r *Renderer) newRequestTask(store *resource.Store, e *resource.Entry, committed *state.MapState) *scheduler.Task {
	bridge := r.bridge
	pipeline := r.pipeline
	wake := r.uploadWaker()
	log := r.logger()

	execute := func(ctx context.Context, _ *scheduler.Task) {
		if !e.BeginProcessing() {
			return
		}
		if ctx.Err() != nil {
			return
		}

		tile, err := obtainSafely(ctx, e.Kind(), e.TileID(), e.Zoom(), committed)
		if err != nil {
			level := zap.DebugLevel
			if errors.Is(err, ErrProviderPanic) {
				level = zap.ErrorLevel
			}
			log.Log(level, "Tile request failed",
				zap.Stringer("kind", e.Kind()),
				zap.Int32("x", e.TileID().X),
				zap.Int32("y", e.TileID().Y),
				zap.Int("zoom", int(e.Zoom())),
				zap.Error(err))
			e.Fail()
			store.Remove(e)
			return
		}

		if e.Complete(tile) == resource.Ready {
			wake()
		}
	}

	post := func(t *scheduler.Task, cancelled bool) {
		e.ReleaseTask(t)
		if !cancelled {
			return
		}
		if res := e.Unload(); res != nil {
			pipeline.Defer(res)
			wake()
		}
		store.Remove(e)
	}

	return scheduler.NewTask(bridge.Execute(execute), bridge.PostExecute(post))
}

// uploadWaker returns a function that wakes whoever performs uploads: the
// background worker if there is one, otherwise the host via a frame request.
// It must be called with r.mu held.
func (r *Renderer) uploadWaker() func() {
	if w := r.worker; w != nil {
		return w.signal
	}
	return r.invalidateFrame
}

// obtainSafely is obtain with a provider panic turned into an error.
func obtainSafely(ctx context.Context, kind resource.Kind, id tiles.TileID, zoom tiles.ZoomLevel, s *state.MapState) (tile provider.Tile, err error) {
	defer func() {
		if p := recover(); p != nil {
			tile, err = nil, fmt.Errorf("%w: %v", ErrProviderPanic, p)
		}
	}()
	return obtain(ctx, kind, id, zoom, s)
}

// obtain fetches one tile from the data sources of s. A nil tile with a nil
// error means there is no data.
func obtain(ctx context.Context, kind resource.Kind, id tiles.TileID, zoom tiles.ZoomLevel, s *state.MapState) (provider.Tile, error) {
	if layer, ok := kind.RasterLayer(); ok {
		p := s.RasterLayerProviders[layer]
		if p == nil {
			return nil, nil
		}
		t, err := p.ObtainTile(ctx, id, zoom)
		if err != nil || t == nil || t.Bitmap == nil {
			return nil, err
		}
		return t, nil
	}

	switch kind {
	case resource.ElevationData:
		p := s.ElevationDataProvider
		if p == nil {
			return nil, nil
		}
		t, err := p.ObtainTile(ctx, id, zoom)
		if err != nil || t == nil {
			return nil, err
		}
		return t, nil
	case resource.Symbols:
		var out provider.SymbolSet
		for _, p := range s.SymbolProviders {
			var err error
			if out, err = p.ObtainSymbols(ctx, id, zoom, out); err != nil {
				return nil, err
			}
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown resource kind %s", kind)
}

