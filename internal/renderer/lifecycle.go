package renderer

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gigamap/internal/gpu"
	"gigamap/internal/invariant"
	"gigamap/internal/resource"
	"gigamap/internal/scheduler"
	"gigamap/internal/state"
	"gigamap/internal/tiles"
	"gigamap/internal/upload"
)

// InitializeRendering binds the calling goroutine as the render goroutine,
// creates the render API, uploads the placeholder tiles and starts the
// workers.
func (r *Renderer) InitializeRendering() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return ErrAlreadyInitialized
	}
	opts := r.SetupOptions()
	log := r.logger()

	if opts.RenderAPIFactory == nil {
		return ErrNoRenderAPI
	}
	api, err := opts.RenderAPIFactory()
	if err != nil {
		return fmt.Errorf("create render API: %w", err)
	}
	if err := api.Initialize(); err != nil {
		return fmt.Errorf("initialize render API: %w", err)
	}

	stubs, err := uploadStubs(api, r.config.Current())
	if err != nil {
		return multierr.Append(err, api.Release())
	}

	r.renderGoroutine.Store(goroutineID())
	r.api = api
	r.stubs = stubs
	r.pipeline = upload.NewPipeline(api, &r.stores, r.config.Current, r.invalidateFrame, log)
	r.bridge = scheduler.NewBridge()
	r.pool = scheduler.NewPool(opts.RequestWorkers, log)
	r.pool.Start()

	if opts.BackgroundWorker.Enabled {
		pipeline := r.pipeline
		r.worker = newBackgroundWorker(opts.BackgroundWorker, func() bool {
			res := pipeline.Upload(false)
			return res.Uploaded > 0 && res.More
		})
		r.worker.start()
	}

	r.initialized = true
	log.Info("Rendering initialized",
		zap.Int("request_workers", r.pool.Size()),
		zap.Bool("background_worker", opts.BackgroundWorker.Enabled))

	r.invalidateFrame()
	return nil
}

// ReleaseRendering stops the workers, evicts every resource and releases the
// render API. It fails with ErrNotInitialized when there is nothing to release.
func (r *Renderer) ReleaseRendering() error {
	r.assertRenderGoroutine("ReleaseRendering")

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return ErrNotInitialized
	}
	log := r.logger()

	if r.worker != nil {
		r.worker.stop()
		r.worker = nil
	}

	for _, kind := range resource.Kinds() {
		r.releaseStore(kind)
	}
	r.pool.Stop()
	r.bridge.Detach()
	r.pipeline.DrainReleases()

	for _, kind := range resource.Kinds() {
		survivors := r.stores[kind].Count(func(e *resource.Entry, _ *bool) bool {
			return e.State() == resource.Uploaded
		})
		invariant.Check(survivors == 0, log, "GPU-resident resources survived teardown",
			zap.Stringer("kind", kind), zap.Int("count", survivors))
	}

	for i, s := range r.stubs {
		r.pipeline.Release(s)
		r.stubs[i] = nil
	}

	err := r.api.Release()

	r.api = nil
	r.pipeline = nil
	r.pool = nil
	r.bridge = nil
	r.unique.Store(tiles.NewSet(nil, 0))
	r.initialized = false
	r.renderGoroutine.Store(0)

	// Anything requested afterwards is committed again on the next init.
	r.reconciler.Invalidate()

	if err != nil {
		log.Error("Failed to release render API", zap.Error(err))
		return fmt.Errorf("release render API: %w", err)
	}
	log.Info("Rendering released")
	return nil
}

func (r *Renderer) IsRenderingInitialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initialized
}

// releaseStore evicts every entry of kind.
func (r *Renderer) releaseStore(kind resource.Kind) int {
	return r.stores[kind].RemoveWhere(func(e *resource.Entry, _ *bool) bool {
		r.evict(e)
		return true
	})
}

// evict detaches e and frees its GPU resource. It runs on the render goroutine.
func (r *Renderer) evict(e *resource.Entry) {
	ev := e.Evict()
	if ev.Resource != nil {
		r.pipeline.Release(ev.Resource)
	}
}

// uploadStubs uploads the placeholder tiles prepared for cfg. On failure
// nothing stays uploaded.
func uploadStubs(api gpu.RenderAPI, cfg state.Configuration) ([stubsCount]*gpu.Resource, error) {
	var stubs [stubsCount]*gpu.Resource
	constraints := upload.ConstraintsFor(cfg, api.SupportsPaletteTextures())
	for kind := range stubKind(stubsCount) {
		tile, err := upload.Prepare(stubTile(kind), constraints)
		if err == nil {
			stubs[kind], err = api.UploadTile(tile, 1)
		}
		if err != nil {
			for _, s := range stubs {
				if s != nil {
					s.Release()
				}
			}
			return [stubsCount]*gpu.Resource{}, fmt.Errorf("upload placeholder tile: %w", err)
		}
	}
	return stubs, nil
}
