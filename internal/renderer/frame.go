package renderer

import (
	"fmt"

	"go.uber.org/zap"

	"gigamap/internal/gpu"
	"gigamap/internal/resource"
	"gigamap/internal/state"
	"gigamap/internal/tiles"
)

// FrameDrawer draws one frame from the committed state.
type FrameDrawer interface {
	DrawFrame(f *Frame) error
}

type FrameDrawerFunc func(f *Frame) error

func (fn FrameDrawerFunc) DrawFrame(f *Frame) error {
	return fn(f)
}

// Frame is what a FrameDrawer sees. It is valid only during DrawFrame.
type Frame struct {
	State    *state.MapState
	Internal *state.InternalState
	Tiles    *tiles.Set

	r *Renderer
}

// Resource returns what to draw for a tile of kind: its uploaded resource,
// or a placeholder when the data is still on its way or there is none. The
// second result reports a placeholder. A kind without a data source yields
// nil.
func (f *Frame) Resource(kind resource.Kind, id tiles.TileID) (*gpu.Resource, bool) {
	if !kindAvailable(f.State, kind) {
		return nil, false
	}
	zoom := f.Tiles.Zoom()
	e, ok := f.r.stores[kind].Find(tiles.Normalize(id, zoom), zoom)
	if !ok {
		return f.r.stubs[stubProcessing], true
	}
	switch e.State() {
	case resource.Uploaded:
		if res := e.GPU(); res != nil {
			return res, false
		}
	case resource.Unavailable:
		return f.r.stubs[stubUnavailable], true
	}
	return f.r.stubs[stubProcessing], true
}

// PrepareFrame applies pending configuration, commits requested state,
// evicts resources that are no longer needed and requests missing ones.
func (r *Renderer) PrepareFrame() error {
	r.assertRenderGoroutine("PrepareFrame")

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return ErrNotInitialized
	}

	if err := r.applyConfiguration(); err != nil {
		return err
	}
	r.releaseInvalidatedStores()

	changed, err := r.reconciler.Reconcile()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStateOutdated, err)
	}
	committed := r.reconciler.Committed()
	if changed {
		r.unique.Store(r.reconciler.Internal().UniqueTiles(committed.ZoomBase))
	}
	unique := r.unique.Load()

	r.framesPrepared++
	grace := uint64(max(r.SetupOptions().EvictionGraceFrames, 0))
	r.cleanUpResources(committed, unique, r.framesPrepared, grace)
	r.requestMissingResources(committed, unique, r.framesPrepared)
	return nil
}

func (r *Renderer) applyConfiguration() error {
	pending := r.config.Pending()
	applier, _ := r.api.(gpu.ConfigurationApplier)
	applied, valid := r.config.Apply(func(change state.ConfigurationChange, cfg state.Configuration) error {
		if applier == nil {
			return nil
		}
		return applier.ApplyConfigurationChange(change, cfg)
	})
	if applied && pending&stubAffecting != 0 {
		r.refreshStubs()
	}
	if !valid {
		r.logger().Warn("Configuration change not applied",
			zap.Stringer("pending", r.config.Pending()))
		return ErrConfigurationInvalid
	}
	return nil
}

// Changes that alter how placeholder tiles are prepared.
const stubAffecting = state.ColorDepthForcing | state.PaletteTexturesUsage

// refreshStubs re-uploads the placeholders for the configuration in effect.
// The old ones stay in use if the upload fails.
func (r *Renderer) refreshStubs() {
	stubs, err := uploadStubs(r.api, r.config.Current())
	if err != nil {
		r.logger().Error("Failed to refresh placeholder tiles", zap.Error(err))
		return
	}
	for i, s := range r.stubs {
		r.pipeline.Release(s)
		r.stubs[i] = stubs[i]
	}
}

func (r *Renderer) releaseInvalidatedStores() {
	mask := r.invalidations.TakeRasterLayers()
	for layer := range state.RasterLayerID(state.RasterLayersCount) {
		if mask&(1<<uint(layer)) != 0 {
			r.releaseStore(resource.RasterKind(layer))
		}
	}
	if r.invalidations.TakeElevationData() {
		r.releaseStore(resource.ElevationData)
	}
	if r.invalidations.TakeSymbols() {
		r.releaseStore(resource.Symbols)
	}
}

// RenderFrame hands the committed state to the FrameDrawer. Invalidations that
// arrived before the frame started are consumed once it draws successfully.
func (r *Renderer) RenderFrame() error {
	r.assertRenderGoroutine("RenderFrame")

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return ErrNotInitialized
	}

	captured := r.frameInvalidates.Load()
	if drawer := r.SetupOptions().FrameDrawer; drawer != nil {
		f := &Frame{
			State:    r.reconciler.Committed(),
			Internal: r.reconciler.Internal(),
			Tiles:    r.unique.Load(),
			r:        r,
		}
		if err := drawer.DrawFrame(f); err != nil {
			return fmt.Errorf("draw frame: %w", err)
		}
	}
	r.frameInvalidates.Add(-captured)
	r.framesRendered.Add(1)
	return nil
}

// ProcessRendering uploads one Ready resource, unless a background worker
// does the uploading.
func (r *Renderer) ProcessRendering() error {
	r.assertRenderGoroutine("ProcessRendering")

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return ErrNotInitialized
	}
	if r.worker != nil {
		return nil
	}

	res := r.pipeline.Upload(true)
	if res.More {
		r.invalidateFrame()
	}
	return nil
}

// FramesRendered counts successful RenderFrame calls.
func (r *Renderer) FramesRendered() uint64 {
	return r.framesRendered.Load()
}
