package upload

import (
	"sync"

	"go.uber.org/zap"

	"gigamap/internal/gpu"
	"gigamap/internal/invariant"
	"gigamap/internal/provider"
	"gigamap/internal/resource"
	"gigamap/internal/state"
)

// Pipeline uploads Ready entries and frees GPU resources. Every method must
// run on the render goroutine or on the background upload worker, except
// Defer, which may be called from anywhere.
type Pipeline struct {
	api        gpu.RenderAPI
	stores     *resource.Stores
	config     func() state.Configuration
	invalidate func()
	log        *zap.Logger

	mu       sync.Mutex
	deferred []*gpu.Resource
}

func NewPipeline(api gpu.RenderAPI, stores *resource.Stores, config func() state.Configuration, invalidateFrame func(), log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if invalidateFrame == nil {
		invalidateFrame = func() {}
	}
	return &Pipeline{
		api:        api,
		stores:     stores,
		config:     config,
		invalidate: invalidateFrame,
		log:        log,
	}
}

// Result summarizes one upload pass.
type Result struct {
	Uploaded int
	Failed   int
	Released int
	// More is set when Ready entries remain after the pass.
	More bool
}

// Upload promotes Ready entries to Uploaded. On the render goroutine a single
// entry is uploaded per call across all kinds; otherwise every Ready entry is.
func (p *Pipeline) Upload(onRenderThread bool) Result {
	var r Result
	r.Released = p.DrainReleases()

	cfg := p.config()
	constraints := ConstraintsFor(cfg, p.api.SupportsPaletteTextures())
	maxTexture := p.api.MaxTextureSize()

	for _, kind := range resource.Kinds() {
		if onRenderThread && r.Uploaded > 0 {
			break
		}
		store := p.stores[kind]
		ready := store.ForEach(func(e *resource.Entry, cancel *bool) bool {
			if e.State() != resource.Ready {
				return false
			}
			// One candidate is enough; failed ones are retried next pass.
			if onRenderThread {
				*cancel = true
			}
			return true
		})

		for _, e := range ready {
			ok, err := e.Upload(func(tile provider.Tile) (*gpu.Resource, error) {
				prepared, err := Prepare(tile, constraints)
				if err != nil {
					return nil, err
				}
				return p.api.UploadTile(prepared, AtlasLimit(cfg, maxTexture, TileSide(prepared)))
			})
			if err != nil {
				r.Failed++
				p.log.Error("Failed to upload tile",
					zap.Stringer("kind", kind),
					zap.Int32("x", e.TileID().X),
					zap.Int32("y", e.TileID().Y),
					zap.Int("zoom", int(e.Zoom())),
					zap.Error(err))
				continue
			}
			if ok {
				r.Uploaded++
			}
			if onRenderThread && r.Uploaded > 0 {
				break
			}
		}
	}

	if r.Uploaded > 0 {
		p.invalidate()
	}
	r.More = p.readyCount() > 0
	return r
}

func (p *Pipeline) readyCount() int {
	n := 0
	for _, store := range p.stores {
		n += store.Count(func(e *resource.Entry, _ *bool) bool {
			return e.State() == resource.Ready
		})
	}
	return n
}

// Release frees res. The caller must hold the only reference.
func (p *Pipeline) Release(res *gpu.Resource) {
	if res == nil {
		return
	}
	invariant.Check(res.Owners() == 1, p.log, "GPU resource has more than one owner at release",
		zap.Stringer("resource", res))
	res.Release()
}

// Defer queues res for release on the next upload pass.
func (p *Pipeline) Defer(res *gpu.Resource) {
	if res == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deferred = append(p.deferred, res)
}

// DrainReleases frees every deferred resource and returns how many.
func (p *Pipeline) DrainReleases() int {
	p.mu.Lock()
	pending := p.deferred
	p.deferred = nil
	p.mu.Unlock()

	for _, res := range pending {
		p.Release(res)
	}
	return len(pending)
}

// PendingReleases is the number of deferred resources.
func (p *Pipeline) PendingReleases() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.deferred)
}
